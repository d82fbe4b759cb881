package coordinator

import (
	"context"
	"fmt"
	"sync"

	"copytrade-engine/internal/exchange"
	"copytrade-engine/internal/logging"
	"copytrade-engine/internal/parser"
)

// Binding links one subscriber's executed trade to the signal, so the
// monitor can group all subscriber trades under a single signal key.
type Binding struct {
	Subscriber string  `json:"subscriber"`
	OrderID    string  `json:"order_id"`
	Size       float64 `json:"size"`
}

// SubscriberResult is the per-subscriber outcome of a fan-out execution.
type SubscriberResult struct {
	Subscriber string           `json:"subscriber"`
	Execution  *ExecutionResult `json:"execution,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// GroupResult aggregates a signal execution across every subscriber
// account. One subscriber failing never aborts the others; callers get
// counts plus the full per-subscriber detail.
type GroupResult struct {
	Signal      *parser.Signal     `json:"signal"`
	Exchange    exchange.Kind      `json:"exchange"`
	Results     []SubscriberResult `json:"results"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Bindings    []Binding          `json:"bindings"`
	ActualEntry float64            `json:"actual_entry"`
	TotalSize   float64            `json:"total_size"`
}

type groupMember struct {
	id    string
	coord *Coordinator
}

// Group fans a signal out to every subscriber account of one exchange,
// running the per-account risk sizing and order placement concurrently.
type Group struct {
	kind    exchange.Kind
	members []groupMember
	logger  *logging.Logger
}

// NewGroup creates an empty subscriber group for an exchange.
func NewGroup(kind exchange.Kind, logger *logging.Logger) *Group {
	if logger == nil {
		logger = logging.Default()
	}
	return &Group{
		kind:   kind,
		logger: logger.WithComponent("fanout"),
	}
}

// Add registers a subscriber account's coordinator
func (g *Group) Add(id string, coord *Coordinator) {
	if id == "" {
		id = fmt.Sprintf("account-%d", len(g.members)+1)
	}
	g.members = append(g.members, groupMember{id: id, coord: coord})
}

// Size returns the number of subscriber accounts in the group
func (g *Group) Size() int {
	return len(g.members)
}

// Execute runs the signal on every subscriber account concurrently and
// collects the results. It returns an error only when no subscriber
// succeeded; partial failures are reported inside the result.
func (g *Group) Execute(ctx context.Context, signal *parser.Signal) (*GroupResult, error) {
	result := &GroupResult{
		Signal:   signal,
		Exchange: g.kind,
		Results:  make([]SubscriberResult, len(g.members)),
	}
	if len(g.members) == 0 {
		return result, fmt.Errorf("no subscriber accounts for %s", g.kind)
	}

	var wg sync.WaitGroup
	for i, member := range g.members {
		wg.Add(1)
		go func(i int, member groupMember) {
			defer wg.Done()
			execution, err := member.coord.Execute(ctx, signal)
			entry := SubscriberResult{Subscriber: member.id, Execution: execution}
			if err != nil {
				entry.Error = err.Error()
				g.logger.Warn("Subscriber execution failed",
					"subscriber", member.id, "symbol", signal.Symbol, "error", err)
			}
			result.Results[i] = entry
		}(i, member)
	}
	wg.Wait()

	var firstErr string
	for _, entry := range result.Results {
		// A failure after the entry leg still left a position behind, so
		// bindings come from any execution that placed an entry order.
		if entry.Execution != nil && entry.Execution.EntryOrder != nil {
			result.TotalSize += entry.Execution.Size
			if result.ActualEntry == 0 {
				result.ActualEntry = entry.Execution.ActualEntry
			}
			result.Bindings = append(result.Bindings, Binding{
				Subscriber: entry.Subscriber,
				OrderID:    entry.Execution.EntryOrder.ID,
				Size:       entry.Execution.Size,
			})
		}
		if entry.Error != "" {
			result.Failed++
			if firstErr == "" {
				firstErr = entry.Error
			}
			continue
		}
		result.Succeeded++
	}

	g.logger.Info("Signal fanned out",
		"symbol", signal.Symbol, "side", signal.Side,
		"succeeded", result.Succeeded, "failed", result.Failed)

	if result.Succeeded == 0 {
		return result, fmt.Errorf("all %d subscriber executions failed: %s", result.Failed, firstErr)
	}
	return result, nil
}
