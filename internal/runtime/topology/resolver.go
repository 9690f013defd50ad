// Package topology derives broker entity names from (network, category, mode)
// and declares them. Names are pure functions of their inputs so a restarted
// consumer binds the queue that holds its backlog.
package topology

import (
	"fmt"
	"regexp"

	"github.com/drblury/chainflow/internal/runtime/envelope"
)

// DefaultPrefix namespaces every entity chainflow declares.
const DefaultPrefix = "chainflow"

var affixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// QueueDescriptor describes one consumed queue and where it is bound.
type QueueDescriptor struct {
	Network  Network
	Category envelope.Category
	Mode     Mode
	// Backfill marks the historical replay queue used only by ModeAll.
	Backfill bool
	// Control marks the backfill request queue read by the chain source.
	Control bool

	Exchange        string
	RoutingKey      string
	Queue           string
	DeadLetterQueue string
}

func (d QueueDescriptor) String() string {
	return d.Queue
}

// Resolver builds entity names. Suffix isolates development consumers from
// shared queues.
type Resolver struct {
	Prefix string
	Suffix string
}

// Validate checks the prefix and suffix are safe to embed in entity names.
func (r Resolver) Validate() error {
	if !affixPattern.MatchString(r.prefix()) {
		return fmt.Errorf("invalid exchange prefix %q", r.Prefix)
	}
	if r.Suffix != "" && !affixPattern.MatchString(r.Suffix) {
		return fmt.Errorf("invalid queue suffix %q", r.Suffix)
	}
	return nil
}

func (r Resolver) prefix() string {
	if r.Prefix == "" {
		return DefaultPrefix
	}
	return r.Prefix
}

func (r Resolver) suffixed(name string) string {
	if r.Suffix == "" {
		return name
	}
	return name + "." + r.Suffix
}

// Exchange returns the durable topic exchange of a network.
func (r Resolver) Exchange(net Network) string {
	return fmt.Sprintf("%s.%s.events", r.prefix(), net)
}

// RoutingKey returns the key a category is published under.
func (r Resolver) RoutingKey(net Network, cat envelope.Category, backfill bool) string {
	key := fmt.Sprintf("%s.%s", net, cat)
	if backfill {
		key += ".backfill"
	}
	return key
}

// Resolve returns the live queue a mode consumes for one category.
func (r Resolver) Resolve(net Network, cat envelope.Category, mode Mode) QueueDescriptor {
	queue := r.suffixed(fmt.Sprintf("%s.%s.%s.%s", r.prefix(), net, cat, mode))
	return QueueDescriptor{
		Network:         net,
		Category:        cat,
		Mode:            mode,
		Exchange:        r.Exchange(net),
		RoutingKey:      r.RoutingKey(net, cat, false),
		Queue:           queue,
		DeadLetterQueue: DeadLetterQueue(queue),
	}
}

// ResolveBackfill returns the backfill-only queue for a category. It exists
// only for ModeAll.
func (r Resolver) ResolveBackfill(net Network, cat envelope.Category) QueueDescriptor {
	queue := r.suffixed(fmt.Sprintf("%s.%s.%s.%s.backfill", r.prefix(), net, cat, ModeAll))
	return QueueDescriptor{
		Network:         net,
		Category:        cat,
		Mode:            ModeAll,
		Backfill:        true,
		Exchange:        r.Exchange(net),
		RoutingKey:      r.RoutingKey(net, cat, true),
		Queue:           queue,
		DeadLetterQueue: DeadLetterQueue(queue),
	}
}

// ResolveControl returns the queue the chain source reads backfill requests
// from. It is shared by every consumer of the network and never suffixed.
func (r Resolver) ResolveControl(net Network) QueueDescriptor {
	cat := envelope.CategoryBackfillRequest
	queue := fmt.Sprintf("%s.%s.%s", r.prefix(), net, cat)
	return QueueDescriptor{
		Network:         net,
		Category:        cat,
		Control:         true,
		Exchange:        r.Exchange(net),
		RoutingKey:      fmt.Sprintf("%s.%s", net, cat),
		Queue:           queue,
		DeadLetterQueue: DeadLetterQueue(queue),
	}
}

// Descriptors lists every queue a mode consumes for the given categories:
// the live queues, plus the backfill queues for ModeAll.
func (r Resolver) Descriptors(net Network, mode Mode, cats []envelope.Category) []QueueDescriptor {
	out := make([]QueueDescriptor, 0, 2*len(cats))
	for _, cat := range cats {
		out = append(out, r.Resolve(net, cat, mode))
	}
	if mode == ModeAll {
		for _, cat := range cats {
			out = append(out, r.ResolveBackfill(net, cat))
		}
	}
	return out
}

// DeadLetterQueue names the dead-letter queue paired with queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}
