// Package guard ensures at most one engine instance trades against a given
// state directory or Redis namespace.
package guard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Guard is held for the lifetime of a running engine.
type Guard interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Holder describes the process that owns a marker.
type Holder struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func (h Holder) String() string {
	return fmt.Sprintf("pid %d on %s since %s", h.PID, h.Host, h.AcquiredAt.UTC().Format(time.RFC3339))
}

func newHolder(now time.Time) Holder {
	host, _ := os.Hostname()
	return Holder{
		PID:        os.Getpid(),
		Host:       host,
		Token:      uuid.NewString(),
		AcquiredAt: now.UTC(),
	}
}

func (h Holder) encode() ([]byte, error) {
	return json.Marshal(h)
}

func decodeHolder(b []byte) (Holder, error) {
	var h Holder
	if err := json.Unmarshal(b, &h); err != nil {
		return Holder{}, err
	}
	if h.PID <= 0 {
		return Holder{}, fmt.Errorf("guard: marker has no pid")
	}
	return h, nil
}
