package rdbg

import (
	"errors"
	"syscall"
	"testing"

	"github.com/aarch64rdbg/engine/rerr"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type RDBGSuite struct{}

func TestRDBG(t *testing.T) {
	suite.RunTests(t, &RDBGSuite{})
}

func (RDBGSuite) TestIsTextBusy(t *testing.T) {
	expect.True(t, isTextBusy(syscall.ETXTBSY))
	expect.True(t, !isTextBusy(errors.New("some other error")))
	expect.True(t, !isTextBusy(syscall.ENOENT))
}

func (RDBGSuite) TestContainsPackage(t *testing.T) {
	expect.True(t, containsPackage("/system/bin/com.example.app", "com.example.app"))
	expect.True(t, !containsPackage("/system/bin/other", "com.example.app"))
	expect.True(t, !containsPackage("", "com.example.app"))
	expect.True(t, !containsPackage("com.example.app", ""))
}

func (RDBGSuite) TestIndexOf(t *testing.T) {
	expect.Equal(t, 4, indexOf("/bin/sh", "/sh"))
	expect.Equal(t, 0, indexOf("needle", "needle"))
	expect.Equal(t, -1, indexOf("short", "muchlongerneedle"))
	expect.Equal(t, -1, indexOf("abc", "xyz"))
}

func (RDBGSuite) TestLaunchDescriptorSealedCases(t *testing.T) {
	var binary LaunchDescriptor = LaunchBinary{Path: "/bin/true"}
	var app LaunchDescriptor = LaunchApp{Package: "com.example", Activity: ".Main"}

	_, isBinary := binary.(LaunchBinary)
	expect.True(t, isBinary)

	_, isApp := app.(LaunchApp)
	expect.True(t, isApp)
}

func (RDBGSuite) TestLaunchRejectsUnknownDescriptor(t *testing.T) {
	_, err := Launch(nil)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidArgument))
}

func (RDBGSuite) TestLaunchBinaryRejectsEmptyPath(t *testing.T) {
	_, err := Launch(LaunchBinary{Path: ""})
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidArgument))
}

func (RDBGSuite) TestLaunchAppRejectsEmptyPackageOrActivity(t *testing.T) {
	_, err := Launch(LaunchApp{Package: "", Activity: ".Main"})
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidArgument))

	_, err = Launch(LaunchApp{Package: "com.example", Activity: ""})
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidArgument))
}

func (RDBGSuite) TestNewDebuggerTracksPidAndOwnership(t *testing.T) {
	dbg := newDebugger(1234, true)
	expect.Equal(t, 1234, dbg.Pid())
	expect.Equal(t, 1234, dbg.leadTid)
	expect.True(t, dbg.ownsProcess)
	expect.Equal(t, 0, len(dbg.Threads()))
}

func (RDBGSuite) TestAddThreadTracksMultipleTids(t *testing.T) {
	dbg := newDebugger(1234, true)
	dbg.addThread(1234, nil)
	dbg.addThread(1235, nil)

	threads := dbg.Threads()
	expect.Equal(t, 2, len(threads))

	_, err := dbg.Registers(1234)
	expect.Nil(t, err)

	_, err = dbg.Registers(9999)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.NotFound))
}

func (RDBGSuite) TestUnloadELFRejectsUnknownImage(t *testing.T) {
	dbg := newDebugger(1234, true)
	err := dbg.UnloadELF(99)
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.NotFound))
}

func (RDBGSuite) TestInjectELFRejectsMalformedContent(t *testing.T) {
	dbg := newDebugger(1234, true)
	_, _, err := dbg.InjectELF([]byte("not an elf file"))
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.InvalidFormat))
}

func (RDBGSuite) TestStepOverIsUnsupported(t *testing.T) {
	dbg := newDebugger(1234, true)
	err := dbg.StepOver()
	expect.NotNil(t, err)
	expect.True(t, rerr.Is(err, rerr.Unsupported))
}
