package ingestion

import (
	"context"
	"fmt"

	"github.com/coursegraph/coursegraph-backend/internal/platform/gcp"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type videoProcessor struct {
	log   *logger.Logger
	video gcp.Video
}

func newVideoProcessor(baseLog *logger.Logger, video gcp.Video) *videoProcessor {
	return &videoProcessor{log: baseLog.With("processor", "video"), video: video}
}

// Process transcribes straight from the bucket object; the raw bytes are
// never pulled through this process.
func (p *videoProcessor) Process(ctx context.Context, in Input) (string, error) {
	if p.video == nil {
		return "", fmt.Errorf("video material but no transcription service configured")
	}
	if in.GCSURI == "" {
		return "", fmt.Errorf("no storage URI for video entry %s", in.Entry.ID)
	}
	transcript, err := p.video.Transcribe(ctx, in.GCSURI)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", in.GCSURI, err)
	}
	return finishText(transcript)
}
