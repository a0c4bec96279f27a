package llm

import "github.com/haasonsaas/agentd/pkg/models"

// maxImagesPerRequest bounds how many image parts reach the model in one
// call. Providers reject or silently degrade on conversations that carry
// too many images, so only the newest ones are kept.
const maxImagesPerRequest = 19

// PruneImages returns a copy of messages in which only the newest keep image
// parts survive, counted across the whole conversation. Older image parts
// are dropped; text parts of the same message are untouched. Messages
// without image parts are returned as-is (not copied).
func PruneImages(messages []*models.Message, keep int) []*models.Message {
	if keep <= 0 {
		keep = maxImagesPerRequest
	}

	total := 0
	for _, msg := range messages {
		total += countImages(msg)
	}
	if total <= keep {
		return messages
	}
	drop := total - keep

	out := make([]*models.Message, len(messages))
	for i, msg := range messages {
		n := countImages(msg)
		if n == 0 || drop == 0 {
			out[i] = msg
			continue
		}

		clone := msg.Clone()
		parts := make([]models.ContentPart, 0, len(clone.Content.Parts))
		for _, p := range clone.Content.Parts {
			if p.IsImage() && drop > 0 {
				drop--
				continue
			}
			parts = append(parts, p)
		}
		clone.Content.Parts = parts
		out[i] = clone
	}
	return out
}

func countImages(msg *models.Message) int {
	if msg == nil || msg.Content == nil || msg.Content.Parts == nil {
		return 0
	}
	n := 0
	for _, p := range msg.Content.Parts {
		if p.IsImage() {
			n++
		}
	}
	return n
}
