package memory

import (
	"testing"

	"github.com/aarch64rdbg/engine/rerr"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type MemorySuite struct{}

func TestMemory(t *testing.T) {
	suite.RunTests(t, &MemorySuite{})
}

func (MemorySuite) TestRegionRange(t *testing.T) {
	r := Region{Low: 0x1000, High: 0x2000}
	rng := r.Range()
	expect.Equal(t, rerr.VirtualAddress(0x1000), rng.Low)
	expect.Equal(t, rerr.VirtualAddress(0x2000), rng.High)
	expect.Equal(t, uint64(0x1000), rng.Size())
}

func (MemorySuite) TestCanPlaceAgainstNoOverlap(t *testing.T) {
	vm := &VirtualMemory{}
	regions := []Region{
		{Low: 0x1000, High: 0x2000},
		{Low: 0x4000, High: 0x5000},
	}

	conflict, next := vm.canPlaceAgainst(regions, 0x2000, 0x1000)
	expect.True(t, !conflict)
	expect.Equal(t, rerr.VirtualAddress(0), next)
}

func (MemorySuite) TestCanPlaceAgainstOverlapReturnsNextCandidate(t *testing.T) {
	vm := &VirtualMemory{}
	regions := []Region{
		{Low: 0x1000, High: 0x2000},
		{Low: 0x4000, High: 0x5000},
	}

	conflict, next := vm.canPlaceAgainst(regions, 0x1800, 0x1000)
	expect.True(t, conflict)
	expect.Equal(t, rerr.VirtualAddress(0x2000), next)
}

func (MemorySuite) TestCanPlaceAgainstExactAdjacencyIsNotOverlap(t *testing.T) {
	vm := &VirtualMemory{}
	regions := []Region{
		{Low: 0x1000, High: 0x2000},
	}

	conflict, _ := vm.canPlaceAgainst(regions, 0x2000, 0x1000)
	expect.True(t, !conflict)

	conflict, _ = vm.canPlaceAgainst(regions, 0x0, 0x1000)
	expect.True(t, !conflict)
}
