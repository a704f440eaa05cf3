package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/detection-pipeline/internal/clock"
)

// ContentScheme prefixes the locations ContentSink returns.
const ContentScheme = "content:"

// ContentSink stores each artifact as a document in a simple-content service.
type ContentSink struct {
	service  simplecontent.Service
	ownerID  uuid.UUID
	tenantID uuid.UUID
	clock    clock.Clock
}

// NewContentSink creates a sink that uploads artifacts on behalf of owner and tenant.
func NewContentSink(service simplecontent.Service, ownerID, tenantID uuid.UUID, clk clock.Clock) *ContentSink {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ContentSink{
		service:  service,
		ownerID:  ownerID,
		tenantID: tenantID,
		clock:    clk,
	}
}

// Flush uploads the artifact and returns "content:<id>".
func (s *ContentSink) Flush(ctx context.Context, lines []string) (string, error) {
	name := ArtifactName(s.clock.Now())

	content, err := s.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      s.ownerID,
		TenantID:     s.tenantID,
		Name:         name,
		DocumentType: "text/plain",
		Reader:       bytes.NewReader(render(lines)),
		FileName:     name,
		Tags:         []string{"detection-results"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload results: %w", err)
	}

	return ContentScheme + content.ID.String(), nil
}
