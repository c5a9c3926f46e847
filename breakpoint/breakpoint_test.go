package breakpoint

import (
	"testing"

	"github.com/aarch64rdbg/engine/registers"
	"github.com/aarch64rdbg/engine/rerr"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type BreakpointSuite struct{}

func TestBreakpoint(t *testing.T) {
	suite.RunTests(t, &BreakpointSuite{})
}

func newTestManager() *Manager {
	return NewManager(nil, map[int]*registers.Controller{})
}

func (BreakpointSuite) TestTypeString(t *testing.T) {
	expect.Equal(t, "software", Software.String())
	expect.Equal(t, "hw_execution", HwExecution.String())
	expect.Equal(t, "hw_write", HwWrite.String())
	expect.Equal(t, "hw_readwrite", HwReadWrite.String())
}

func (BreakpointSuite) TestSetSoftwareAssignsSequentialIDs(t *testing.T) {
	m := newTestManager()

	bp1, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)
	bp2, err := m.SetSoftware(1, rerr.VirtualAddress(0x2000), nil)
	expect.Nil(t, err)

	expect.Equal(t, int64(1), bp1.ID)
	expect.Equal(t, int64(2), bp2.ID)
	expect.True(t, !bp1.Enabled)
}

func (BreakpointSuite) TestSetSoftwareRejectsDuplicateAddress(t *testing.T) {
	m := newTestManager()

	_, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)

	_, err = m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.Duplicate))
}

func (BreakpointSuite) TestSetSoftwareSameAddressDifferentTypeAllowed(t *testing.T) {
	m := newTestManager()

	// A hardware breakpoint occupying the same (tid, addr) is a distinct
	// entry and must not be rejected as a duplicate software breakpoint:
	// the uniqueness key is (tid, addr, type), not (tid, addr).
	m.nextID++
	m.points[m.nextID] = &Breakpoint{
		ID:      m.nextID,
		Tid:     1,
		Address: rerr.VirtualAddress(0x1000),
		Type:    HwExecution,
	}

	_, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)
}

func (BreakpointSuite) TestSetHardwareRejectsSoftwareKind(t *testing.T) {
	m := newTestManager()

	_, err := m.SetHardware(1, rerr.VirtualAddress(0x1000), Software, nil)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidArgument))
}

func (BreakpointSuite) TestGetUnknownID(t *testing.T) {
	m := newTestManager()
	_, err := m.Get(99)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.NotFound))
}

func (BreakpointSuite) TestRemoveDeletesFromByTidAndPoints(t *testing.T) {
	m := newTestManager()

	bp, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)

	expect.Equal(t, 1, len(m.ByTid(1)))

	expect.Nil(t, m.Remove(bp.ID))
	expect.Equal(t, 0, len(m.ByTid(1)))

	_, err = m.Get(bp.ID)
	expect.NotNil(t, err)
}

func (BreakpointSuite) TestAllListsAcrossThreads(t *testing.T) {
	m := newTestManager()

	_, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)
	_, err = m.SetSoftware(2, rerr.VirtualAddress(0x2000), nil)
	expect.Nil(t, err)

	expect.Equal(t, 2, len(m.All()))
}

func (BreakpointSuite) TestAtAddressOnlyMatchesEnabled(t *testing.T) {
	m := newTestManager()

	bp, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)

	expect.Nil(t, m.AtAddress(1, rerr.VirtualAddress(0x1000)))

	bp.Enabled = true
	found := m.AtAddress(1, rerr.VirtualAddress(0x1000))
	expect.NotNil(t, found)
	expect.Equal(t, bp.ID, found.ID)
}

func (BreakpointSuite) TestCheckConditionUnconditionalIsAlwaysTrue(t *testing.T) {
	m := newTestManager()
	bp, err := m.SetSoftware(1, rerr.VirtualAddress(0x1000), nil)
	expect.Nil(t, err)

	ok, err := m.CheckCondition(bp)
	expect.Nil(t, err)
	expect.True(t, ok)
}

func (BreakpointSuite) TestHardwareControlWordPerKind(t *testing.T) {
	execWord := hardwareControlWord(HwExecution)
	writeWord := hardwareControlWord(HwWrite)
	readWriteWord := hardwareControlWord(HwReadWrite)

	expect.Equal(t, uint32(1<<0|1<<6), execWord)
	expect.Equal(t, uint32(1<<0|1<<6|0b01<<1), writeWord)
	expect.Equal(t, uint32(1<<0|1<<6|0b10<<1), readWriteWord)
}

func (BreakpointSuite) TestIsWatchpoint(t *testing.T) {
	expect.True(t, !Software.isWatchpoint())
	expect.True(t, !HwExecution.isWatchpoint())
	expect.True(t, HwWrite.isWatchpoint())
	expect.True(t, HwReadWrite.isWatchpoint())
}
