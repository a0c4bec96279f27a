package llm

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentd/pkg/models"
)

func imageMsg(n int) *models.Message {
	parts := []models.ContentPart{{Type: "text", Text: "see:"}}
	for i := 0; i < n; i++ {
		parts = append(parts, models.ContentPart{
			Type:     "image_url",
			ImageURL: json.RawMessage(`{"url":"https://x/img.png"}`),
		})
	}
	return &models.Message{Role: models.RoleUser, Content: models.NewPartsContent(parts)}
}

func totalImages(messages []*models.Message) int {
	n := 0
	for _, m := range messages {
		n += countImages(m)
	}
	return n
}

func TestPruneImagesUnderLimitIsIdentity(t *testing.T) {
	messages := []*models.Message{imageMsg(3), imageMsg(2)}
	out := PruneImages(messages, 19)
	if totalImages(out) != 5 {
		t.Fatalf("total images = %d", totalImages(out))
	}
	// No copies when nothing is dropped.
	if out[0] != messages[0] || out[1] != messages[1] {
		t.Fatalf("expected messages returned as-is")
	}
}

func TestPruneImagesKeepsNewest(t *testing.T) {
	messages := []*models.Message{imageMsg(10), imageMsg(10), imageMsg(5)}
	out := PruneImages(messages, 19)

	if got := totalImages(out); got != 19 {
		t.Fatalf("total images = %d, want 19", got)
	}
	// The oldest message loses its images first.
	if got := countImages(out[0]); got != 4 {
		t.Fatalf("oldest message images = %d, want 4", got)
	}
	if countImages(out[1]) != 10 || countImages(out[2]) != 5 {
		t.Fatalf("newer messages should keep all images")
	}
	// Text parts of pruned messages are untouched.
	if out[0].Content.Parts[0].Type != "text" || out[0].Content.Parts[0].Text != "see:" {
		t.Fatalf("text part dropped during pruning")
	}
	// Originals are not mutated.
	if countImages(messages[0]) != 10 {
		t.Fatalf("input mutated by pruning")
	}
}

func TestPruneImagesIgnoresPlainTextMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleUser, Content: models.NewTextContent("hi")},
		imageMsg(25),
	}
	out := PruneImages(messages, 19)
	if totalImages(out) != 19 {
		t.Fatalf("total images = %d", totalImages(out))
	}
	if out[0].Content.AsText() != "hi" {
		t.Fatalf("plain message altered")
	}
}
