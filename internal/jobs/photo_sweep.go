package jobs

import (
	"context"
	"log"
	"time"

	"studentpunch/internal/config"
)

type PhotoSweeper interface {
	SweepPending(maxAge time.Duration) (int, error)
}

type SweepRecorder interface {
	PhotosSwept(n int)
}

// StartPhotoSweepJob periodically removes pending photos that were never
// kept or discarded, e.g. after a crash mid-session.
func StartPhotoSweepJob(ctx context.Context, cfg config.Config, photos PhotoSweeper, recorder SweepRecorder) {
	if photos == nil {
		log.Printf("photo sweep job disabled: photo store not configured")
		return
	}
	interval := cfg.PhotoSweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	maxAge := cfg.PhotoSweepMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := photos.SweepPending(maxAge)
				if err != nil {
					log.Printf("photo sweep job error: %v", err)
					continue
				}
				if removed > 0 {
					log.Printf("photo sweep job removed %d pending photos", removed)
					if recorder != nil {
						recorder.PhotosSwept(removed)
					}
				}
			}
		}
	}()
}
