package procfs

import (
	"os"
	"strconv"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ProcfsSuite struct{}

func TestProcfs(t *testing.T) {
	suite.RunTests(t, &ProcfsSuite{})
}

// The test process itself is always readable without ptrace permission, so
// every read here targets os.Getpid() rather than a spawned tracee.

func (ProcfsSuite) TestGetProcessStatus(t *testing.T) {
	status, err := GetProcessStatus(os.Getpid())
	expect.Nil(t, err)
	expect.Equal(t, os.Getpid(), status.Pid)
	expect.Equal(t, os.Getppid(), status.Ppid)
	expect.True(t, status.Comm != "")
	expect.True(t,
		status.State == Running ||
			status.State == Sleeping ||
			status.State == WaitingForDisk ||
			status.State == Idle)
}

func (ProcfsSuite) TestGetProcessStatusUnknownPid(t *testing.T) {
	_, err := GetProcessStatus(-1)
	expect.NotNil(t, err)
}

func (ProcfsSuite) TestGetAuxiliaryVector(t *testing.T) {
	aux, err := GetAuxiliaryVector(os.Getpid())
	expect.Nil(t, err)
	_, ok := aux[AT_PageSize]
	expect.True(t, ok)
}

func (ProcfsSuite) TestGetMappedMemoryRegions(t *testing.T) {
	regions, err := GetMappedMemoryRegions(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, len(regions) > 0)

	for _, r := range regions {
		expect.True(t, r.LowAddress <= r.HighAddress)
	}
}

func (ProcfsSuite) TestGetExecutableSymlinkPath(t *testing.T) {
	expect.Equal(t, "/proc/"+strconv.Itoa(os.Getpid())+"/exe", GetExecutableSymlinkPath(os.Getpid()))
}

func (ProcfsSuite) TestListTasks(t *testing.T) {
	tids, err := ListTasks(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, len(tids) > 0)
}

func (ProcfsSuite) TestCmdline(t *testing.T) {
	cmdline, err := Cmdline(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, cmdline != "")
}

func (ProcfsSuite) TestComm(t *testing.T) {
	comm, err := Comm(os.Getpid())
	expect.Nil(t, err)
	expect.True(t, comm != "")
}
