// Package mock provides a configurable [classifier.Classifier] test double.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cradlewatch/pkg/classifier"
	"github.com/MrWong99/cradlewatch/pkg/features"
)

var _ classifier.Classifier = (*Classifier)(nil)

// Classifier is a mock implementation of [classifier.Classifier].
// Set the exported fields before use; inspect Calls after.
type Classifier struct {
	mu sync.Mutex

	// Result is returned by Predict when PredictFunc is nil.
	Result classifier.Result

	// Err is returned by Predict when PredictFunc is nil.
	Err error

	// PredictFunc, when set, overrides Result and Err.
	PredictFunc func(ctx context.Context, v features.Vector) (classifier.Result, error)

	// Calls records the vectors passed to Predict, in call order.
	Calls []features.Vector
}

// Predict implements [classifier.Classifier].
func (c *Classifier) Predict(ctx context.Context, v features.Vector) (classifier.Result, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, v)
	fn, res, err := c.PredictFunc, c.Result, c.Err
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, v)
	}
	return res, err
}

// CallCount returns the number of Predict calls.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
