package coordinator

import (
	"time"

	"github.com/snarg/whisper-api/internal/wire"
)

// WorkerHandle is the escalation surface of the decoder process.
type WorkerHandle interface {
	Terminate() error                // polite signal (SIGTERM)
	Kill() error                     // forced stop (SIGKILL)
	Wait(timeout time.Duration) bool // true when the process ended in time
}

const (
	termDeadline     = 5 * time.Second
	killDeadline     = 2 * time.Second
	listenerDeadline = 5 * time.Second
)

// Shutdown brings the decoder process and the listener down in order:
// exit message plus SIGTERM, escalate to SIGKILL after the deadline, then
// stop the listener. Every step is best effort so a wedged or already
// dead child cannot stall the front.
func (c *Coordinator) Shutdown(worker WorkerHandle) {
	c.log.Info().Msg("shutting down decoder")

	if err := c.conn.Send(wire.TypeExit, nil); err != nil {
		c.log.Warn().Err(err).Msg("exit message not delivered")
	}
	if err := worker.Terminate(); err != nil {
		c.log.Warn().Err(err).Msg("terminate signal failed")
	}

	if !worker.Wait(termDeadline) {
		c.log.Warn().Msg("decoder ignored termination, killing")
		if err := worker.Kill(); err != nil {
			c.log.Warn().Err(err).Msg("kill signal failed")
		}
		if !worker.Wait(killDeadline) {
			c.log.Error().Msg("decoder still running after kill")
		}
	}

	c.Stop()
	if !c.Join(listenerDeadline) {
		c.log.Error().Msg("listener did not stop in time")
	}

	c.files.ReleaseAll()
	c.log.Info().Msg("decoder shutdown complete")
}
