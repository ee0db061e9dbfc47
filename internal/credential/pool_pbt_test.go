package credential

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// The pool invariants must hold for any interleaving of outcomes, not just
// the handful of sequences the unit tests spell out.
func TestPoolInvariantsHoldForRandomOutcomes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.MaxSize = 20

	properties := gopter.NewProperties(parameters)

	outcomes := gen.OneConstOf(OutcomeSuccess, OutcomeQuotaError, OutcomeTransportError, OutcomeFatalError)

	properties.Property("counters and statuses stay within bounds", prop.ForAll(
		func(seq []Outcome) bool {
			p := NewPool(Config{
				DailyQuota: 5,
				MaxFails:   4,
				Cooldown:   time.Millisecond,
				Logger:     logging.New(logging.LevelError, logging.FormatText),
			})
			defer p.Close()

			if err := p.Add("sk-property-credential-a", "a"); err != nil {
				return false
			}
			if err := p.Add("sk-property-credential-b", "b"); err != nil {
				return false
			}

			for _, outcome := range seq {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
				lease, err := p.Acquire(ctx)
				cancel()
				if err != nil {
					continue // nothing eligible right now
				}
				p.Release(lease.ID, outcome)
			}

			for _, info := range p.Snapshot() {
				if info.DailyRequestCount > info.DailyQuotaLimit {
					return false
				}
				if info.ConsecutiveFailures > 4 {
					return false
				}
				// Everything acquired was released.
				if info.Status == models.CredentialBusy {
					return false
				}
				switch info.Status {
				case models.CredentialIdle, models.CredentialCoolingDown, models.CredentialDead:
				default:
					return false
				}
			}
			return true
		},
		gen.SliceOf(outcomes),
	))

	properties.TestingRun(t)
}
