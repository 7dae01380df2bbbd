package cilocal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// How long teardown may take once the run itself was interrupted
const teardownTimeout = 30 * time.Second

type ledgerImage struct {
	ref        string
	postMortem bool
}

// A Ledger records every container and image created during a run, so all of them can be torn down
// on every exit path, including interruption.
type Ledger struct {
	mu sync.Mutex

	containers []string
	images     []ledgerImage
}

// AddContainer records a created container
func (l *Ledger) AddContainer(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.containers = append(l.containers, id)
}

// AddImage records a created image. Post-mortem images are always removed on teardown,
// job images only if requested since they are reused as build cache by later runs.
func (l *Ledger) AddImage(ref string, postMortem bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, img := range l.images {
		if img.ref == ref {
			return
		}
	}
	l.images = append(l.images, ledgerImage{ref: ref, postMortem: postMortem})
}

// Teardown removes all recorded containers, all post-mortem images and, if removeImages is set, all job images.
// It keeps going after a failed removal and returns all errors joined. Teardown runs even if ctx was already cancelled.
func (l *Ledger) Teardown(ctx context.Context, engine Engine, removeImages bool, log *logrus.Logger) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var errs []error
	for _, id := range l.containers {
		log.Debugf("Removing container %s", id)
		if err := engine.RemoveContainer(ctx, id); err != nil {
			errs = append(errs, errors.Join(fmt.Errorf("failed to remove container %s", id), err))
		}
	}
	l.containers = nil

	var kept []ledgerImage
	for _, img := range l.images {
		if !img.postMortem && !removeImages {
			kept = append(kept, img)
			continue
		}
		log.Debugf("Removing image %s", img.ref)
		if err := engine.RemoveImage(ctx, img.ref); err != nil {
			errs = append(errs, errors.Join(fmt.Errorf("failed to remove image %s", img.ref), err))
		}
	}
	l.images = kept

	return errors.Join(errs...)
}
