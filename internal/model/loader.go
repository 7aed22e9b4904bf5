package model

import (
	"errors"
	"sync"
)

var ErrLoaderClosed = errors.New("model loader closed")

// Loader holds a single Model that is built on first use. The load function
// runs at most once per Loader; every caller, concurrent or later, gets the
// same instance or the same load error.
type Loader struct {
	once  sync.Once
	load  func() (Model, error)
	model Model
	err   error
}

func NewLoader(load func() (Model, error)) *Loader {
	return &Loader{load: load}
}

func (l *Loader) Get() (Model, error) {
	l.once.Do(func() {
		l.model, l.err = l.load()
	})
	return l.model, l.err
}

// Close releases the model if it was loaded. A Loader closed before first
// use never loads; Get returns ErrLoaderClosed instead.
func (l *Loader) Close() {
	l.once.Do(func() { l.err = ErrLoaderClosed })
	if l.model != nil {
		l.model.Close()
	}
}
