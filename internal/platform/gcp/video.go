package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

// Video transcribes speech from video materials stored in GCS.
type Video interface {
	Transcribe(ctx context.Context, gcsURI string) (string, error)
	Close() error
}

type videoService struct {
	log          *logger.Logger
	client       *videointelligence.Client
	languageCode string
	maxRetries   int
}

func NewVideo(baseLog *logger.Logger) (Video, error) {
	client, err := videointelligence.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	return &videoService{
		log:          baseLog.With("service", "gcp.Video"),
		client:       client,
		languageCode: envutil.String("VIDEO_LANGUAGE_CODE", "en-US"),
		maxRetries:   4,
	}, nil
}

func (s *videoService) Transcribe(ctx context.Context, gcsURI string) (string, error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", fmt.Errorf("gcsURI must be gs://... got %q", gcsURI)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	vctx := &vipb.VideoContext{
		SpeechTranscriptionConfig: &vipb.SpeechTranscriptionConfig{
			LanguageCode:               s.languageCode,
			EnableAutomaticPunctuation: true,
		},
	}
	// Optional cap on how much of the video is transcribed.
	if maxSecs := envutil.Int("VIDEO_MAX_TRANSCRIBE_SECONDS", 0); maxSecs > 0 {
		vctx.Segments = []*vipb.VideoSegment{{
			StartTimeOffset: durationpb.New(0),
			EndTimeOffset:   durationpb.New(time.Duration(maxSecs) * time.Second),
		}}
	}

	req := &vipb.AnnotateVideoRequest{
		InputUri:     gcsURI,
		Features:     []vipb.Feature{vipb.Feature_SPEECH_TRANSCRIPTION},
		VideoContext: vctx,
	}

	var resp *vipb.AnnotateVideoResponse
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		op, err := s.client.AnnotateVideo(ctx, req)
		if err == nil {
			resp, err = op.Wait(ctx)
		}
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !retryableGRPC(err) {
			break
		}
		s.log.Warn("video annotate retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 2 * time.Second):
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("videointelligence AnnotateVideo: %w", lastErr)
	}

	var b strings.Builder
	for _, ar := range resp.GetAnnotationResults() {
		for _, st := range ar.GetSpeechTranscriptions() {
			for _, alt := range st.GetAlternatives() {
				t := strings.TrimSpace(alt.GetTranscript())
				if t == "" {
					continue
				}
				b.WriteString(t)
				b.WriteString("\n")
				// First alternative only; the rest are lower-confidence.
				break
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func retryableGRPC(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
		return true
	}
	return false
}

func (s *videoService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
