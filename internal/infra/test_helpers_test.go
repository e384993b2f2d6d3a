package infra

import (
	"os"
	"time"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// sampleInfo builds a registry entry listening on a fake loopback port.
func sampleInfo(uid, port string, lastBusy time.Time) domain.DaemonInfo {
	return domain.DaemonInfo{
		Address: domain.Address{Network: "tcp", Addr: "127.0.0.1:" + port},
		Context: domain.DaemonContext{
			UID:         uid,
			PID:         os.Getpid(),
			StartedAt:   lastBusy,
			Fingerprint: "fp-" + uid[:1],
		},
		LastBusy: lastBusy,
	}
}
