// Package visiontest provides fake model clients for tests.
package visiontest

import (
	"context"
	"sync"
	"time"

	"github.com/rmedina/waflow/pkg/vision"
)

// FakeOCR is a configurable vision.OCRClient.
type FakeOCR struct {
	mu    sync.Mutex
	calls int

	// Result is returned on success. Err takes precedence.
	Result *vision.OCRResult
	Err    error

	// Delay simulates model latency.
	Delay time.Duration
}

var _ vision.OCRClient = (*FakeOCR)(nil)

func (f *FakeOCR) ExtractFields(ctx context.Context, _ []byte, _ string) (*vision.OCRResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Result != nil {
		return f.Result, nil
	}
	return &vision.OCRResult{Fields: map[string]vision.FieldGuess{}}, nil
}

// Calls returns how many times the client was invoked.
func (f *FakeOCR) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeVision is a configurable vision.VisionClient.
type FakeVision struct {
	mu    sync.Mutex
	calls int

	Result *vision.Analysis
	Err    error
	Delay  time.Duration
}

var _ vision.VisionClient = (*FakeVision)(nil)

func (f *FakeVision) Analyze(ctx context.Context, _ []byte, _ string) (*vision.Analysis, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Result != nil {
		return f.Result, nil
	}
	return &vision.Analysis{}, nil
}

// Calls returns how many times the client was invoked.
func (f *FakeVision) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
