package repositories

import (
	"context"

	"github.com/novavoice/callpipe/domain/entities"
)

// TextToSpeech abstracts the speech synthesis service. Segments carry
// monotonic indexes so the playback queue can order them.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string) (<-chan entities.PlaybackSegment, error)
}
