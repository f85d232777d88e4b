package weaver

import (
	"fmt"
	"io"
	"sort"

	"ropweave/internal/mir"
	"ropweave/internal/ropchain"
)

// Stats counts, per opcode, how often each translation outcome
// occurred across all processed functions.
type Stats struct {
	counts map[mir.Opcode]*[ropchain.NumStatus]int
}

// NewStats creates an empty counter table.
func NewStats() *Stats {
	return &Stats{counts: make(map[mir.Opcode]*[ropchain.NumStatus]int)}
}

// Add records one translation outcome for op.
func (s *Stats) Add(op mir.Opcode, status ropchain.Status) {
	row := s.counts[op]
	if row == nil {
		row = new([ropchain.NumStatus]int)
		s.counts[op] = row
	}
	row[status]++
}

// WriteTable writes the counters as a tab separated table, one row per
// opcode in encoding order.
func (s *Stats) WriteTable(w io.Writer) error {
	if _, err := fmt.Fprint(w, "op-id\top-name"); err != nil {
		return err
	}
	for i := 0; i < ropchain.NumStatus; i++ {
		if _, err := fmt.Fprintf(w, "\t%s", ropchain.Status(i)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "\ttotal"); err != nil {
		return err
	}

	ops := make([]mir.Opcode, 0, len(s.counts))
	for op := range s.counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

	for _, op := range ops {
		row := s.counts[op]
		if _, err := fmt.Fprintf(w, "%d\t%s", op, op.Name()); err != nil {
			return err
		}
		total := 0
		for _, n := range row {
			total += n
			if _, err := fmt.Fprintf(w, "\t%d", n); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "\t%d\n", total); err != nil {
			return err
		}
	}
	return nil
}
