package exploit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Bruteforce iterates var1 from 0x00 to 0xFF, calling try for each
// candidate (spec §4.4, §6 "brute" verb) until try reports the candidate
// worked or the sweep is exhausted. A rate limiter paces the sweep so a
// non-responding device is not hammered at full CPU speed between control
// transfers, throttling try calls to at most 4 per second.
func Bruteforce(ctx context.Context, try func(var1 byte) (bool, error)) (byte, bool, error) {
	limiter := rate.NewLimiter(rate.Limit(4), 1)

	for v := 0; v <= 0xFF; v++ {
		if err := limiter.Wait(ctx); err != nil {
			return 0, false, err
		}

		ok, err := try(byte(v))
		if err != nil {
			return byte(v), false, err
		}
		if ok {
			return byte(v), true, nil
		}
	}

	return 0, false, nil
}

// DefaultBruteforceTimeout bounds an unattended brute-force sweep.
const DefaultBruteforceTimeout = 5 * time.Minute
