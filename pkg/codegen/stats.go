package codegen

import (
	"fmt"
	"strings"
)

// GenStats tracks what the generator emitted and what it could leave out
type GenStats struct {
	// Headers
	HeadersPlanned int // Managed records and arrays given a header

	// Alive code
	Increments     int // Header increments emitted
	Decrements     int // Header decrements emitted
	ForeignIncrefs int // foreign_incref calls emitted
	ForeignDecrefs int // foreign_decref calls emitted
	NullElided     int // Operations on statically NULL expressions dropped

	// Write barriers
	Barriers            int // Stores wrapped with refcount maintenance
	BarriersPassthrough int // Stores of unmanaged values left as is

	// Deallocators
	StaticDeallocators  int // Static deallocators synthesized
	DynamicDeallocators int // RTTI-dispatching deallocators synthesized
	DeallocatorsElided  int // Managed types whose decrement frees storage directly

	// Allocation
	Allocations int // Zero-filled allocation prologues
}

// NewGenStats creates a new statistics tracker
func NewGenStats() *GenStats {
	return &GenStats{}
}

// RCOperations returns the number of refcount operations emitted
func (s *GenStats) RCOperations() int {
	return s.Increments + s.Decrements + s.ForeignIncrefs + s.ForeignDecrefs
}

// String returns a formatted statistics report
func (s *GenStats) String() string {
	var sb strings.Builder

	sb.WriteString("=== Generation Statistics ===\n\n")

	sb.WriteString("Headers:\n")
	sb.WriteString(fmt.Sprintf("  Planned:             %d\n", s.HeadersPlanned))

	sb.WriteString("\nAlive Code:\n")
	sb.WriteString(fmt.Sprintf("  Increments:          %d\n", s.Increments))
	sb.WriteString(fmt.Sprintf("  Decrements:          %d\n", s.Decrements))
	sb.WriteString(fmt.Sprintf("  Foreign increfs:     %d\n", s.ForeignIncrefs))
	sb.WriteString(fmt.Sprintf("  Foreign decrefs:     %d\n", s.ForeignDecrefs))
	sb.WriteString(fmt.Sprintf("  NULL elided:         %d\n", s.NullElided))

	sb.WriteString("\nWrite Barriers:\n")
	sb.WriteString(fmt.Sprintf("  Instrumented:        %d\n", s.Barriers))
	sb.WriteString(fmt.Sprintf("  Passed through:      %d\n", s.BarriersPassthrough))

	sb.WriteString("\nDeallocators:\n")
	sb.WriteString(fmt.Sprintf("  Static:              %d\n", s.StaticDeallocators))
	sb.WriteString(fmt.Sprintf("  Dynamic (RTTI):      %d\n", s.DynamicDeallocators))
	sb.WriteString(fmt.Sprintf("  Elided:              %d\n", s.DeallocatorsElided))

	sb.WriteString("\nAllocation:\n")
	sb.WriteString(fmt.Sprintf("  Zero-filled:         %d\n", s.Allocations))

	sb.WriteString(fmt.Sprintf("\n=== Total RC operations: %d ===\n", s.RCOperations()))

	return sb.String()
}

// Summary returns a one-line summary
func (s *GenStats) Summary() string {
	return fmt.Sprintf("headers=%d inc=%d dec=%d foreign=%d barriers=%d dealloc=%d/%d elided=%d",
		s.HeadersPlanned, s.Increments, s.Decrements, s.ForeignIncrefs+s.ForeignDecrefs,
		s.Barriers, s.StaticDeallocators, s.DynamicDeallocators, s.DeallocatorsElided)
}

// Reset clears all counters
func (s *GenStats) Reset() {
	*s = GenStats{}
}
