package executor

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// PaperFiller fills every request at the reference price moved against the
// trader by SlippageBps.
type PaperFiller struct {
	SlippageBps float64
}

// Fill implements domain.Filler.
func (f PaperFiller) Fill(_ context.Context, req domain.FillRequest) (float64, error) {
	if req.Price <= 0 {
		return 0, fmt.Errorf("executor: paper fill %s: %w", req.Instrument, domain.ErrInvalidPrice)
	}
	if req.Quantity <= 0 {
		return 0, fmt.Errorf("executor: paper fill %s: %w", req.Instrument, domain.ErrSizeTooSmall)
	}
	// Buying (long entry, short exit) pays up; selling gives up.
	buying := (req.Side == domain.SideLong) != req.Closing
	slip := req.Price * f.SlippageBps / 10000
	if buying {
		return req.Price + slip, nil
	}
	return req.Price - slip, nil
}

var _ domain.Filler = PaperFiller{}
