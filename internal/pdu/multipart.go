package pdu

import (
	"time"

	"github.com/mways/smsgatewayd/internal/types"
)

// assembler reassembles UDH-concatenated segments observed within one
// DecodeList call. Per spec the decoder is stateless across calls:
// an assembler is created fresh for each invocation, so an incomplete
// group simply never completes and is silently dropped when the call
// returns.
type assembler struct {
	groups map[[2]int]*group
}

type group struct {
	total     int
	slots     []*string
	filled    int
	contact   string
	timestamp time.Time
	simID     string
}

func newAssembler() *assembler {
	return &assembler{groups: make(map[[2]int]*group)}
}

// add records one fragment, returning the reassembled message and true
// once every slot for its (ref, total) group has been filled. Sender
// and timestamp of the result are taken from whichever segment arrived
// first, per spec.
func (a *assembler) add(f fragment) (types.ModemSms, bool) {
	if f.current < 1 || f.current > f.total {
		return types.ModemSms{}, false
	}
	key := [2]int{f.ref, f.total}
	g, ok := a.groups[key]
	if !ok {
		g = &group{
			total:     f.total,
			slots:     make([]*string, f.total),
			contact:   f.contact,
			timestamp: f.timestamp,
			simID:     f.simID,
		}
		a.groups[key] = g
	}
	content := f.content
	if g.slots[f.current-1] == nil {
		g.filled++
	}
	g.slots[f.current-1] = &content

	if g.filled < g.total {
		return types.ModemSms{}, false
	}
	for _, s := range g.slots {
		if s == nil {
			return types.ModemSms{}, false
		}
	}
	var msg string
	for _, s := range g.slots {
		msg += *s
	}
	delete(a.groups, key)
	return types.ModemSms{
		Contact:   g.contact,
		Timestamp: g.timestamp,
		Message:   msg,
		Send:      false,
		SimID:     g.simID,
	}, true
}
