package conductor

import (
	"context"
	"log"

	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/metrics"
)

type handlerFunc func(ctx context.Context, env *broker.Envelope) (Decision, error)

// Router maps inbound commands to manager handlers. The table is closed:
// anything not in it is warned about, acked and dropped.
type Router struct {
	handlers map[string]handlerFunc
}

func NewRouter(m *Manager) *Router {
	return &Router{handlers: map[string]handlerFunc{
		CmdNewCaseFound:             m.HandleNewCase,
		CmdExecutionSucceeded:       m.HandleSuccess,
		CmdCaseUploadCompleted:      m.HandleSuccess,
		CmdResultsDownloadCompleted: m.HandleSuccess,
		CmdExecutionFailed:          m.HandleFailure,
		CmdFileTransferFailed:       m.HandleFailure,
	}}
}

// Route invokes the handler for the envelope's command. Unknown commands
// are dropped with an ack so a newer producer cannot wedge the inbox.
func (r *Router) Route(ctx context.Context, env *broker.Envelope) (Decision, error) {
	h, ok := r.handlers[env.Command]
	if !ok {
		log.Printf("Router: unknown command %q (correlation_id=%s), dropping",
			env.Command, env.CorrelationID)
		return DecisionAck, nil
	}
	metrics.EventsHandled.WithLabelValues(env.Command).Inc()
	return h(ctx, env)
}
