package logflags

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type LogflagsSuite struct{}

func TestLogflags(t *testing.T) {
	suite.RunTests(t, &LogflagsSuite{})
}

func resetEnabled() {
	ptraceEnabled = false
	memoryEnabled = false
	breakpointEnabled = false
	elfEnabled = false
	loaderEnabled = false
	rpcEnabled = false
	debuggerEnabled = false
}

func (LogflagsSuite) TestSetupWithoutLogRejectsLogOutput(t *testing.T) {
	defer resetEnabled()

	err := Setup(false, "ptrace", &bytes.Buffer{})
	expect.Equal(t, errLogstrWithoutLog, err)
	expect.True(t, !Ptrace())
}

func (LogflagsSuite) TestSetupWithoutLogOutputDisablesEverything(t *testing.T) {
	defer resetEnabled()

	err := Setup(false, "", &bytes.Buffer{})
	expect.Nil(t, err)
	expect.True(t, !Ptrace())
	expect.True(t, !Debugger())
}

func (LogflagsSuite) TestSetupDefaultsToDebuggerSubsystem(t *testing.T) {
	defer resetEnabled()

	err := Setup(true, "", &bytes.Buffer{})
	expect.Nil(t, err)
	expect.True(t, Debugger())
	expect.True(t, !Ptrace())
}

func (LogflagsSuite) TestSetupEnablesNamedSubsystems(t *testing.T) {
	defer resetEnabled()

	err := Setup(true, "ptrace,memory", &bytes.Buffer{})
	expect.Nil(t, err)
	expect.True(t, Ptrace())
	expect.True(t, Memory())
	expect.True(t, !Breakpoint())
	expect.True(t, !Elf())
	expect.True(t, !Loader())
	expect.True(t, !RPC())
	expect.True(t, !Debugger())
}

func (LogflagsSuite) TestMakeLoggerLevel(t *testing.T) {
	enabled := makeLogger(true, logrus.Fields{"layer": "test"})
	expect.Equal(t, logrus.DebugLevel, enabled.Logger.Level)

	disabled := makeLogger(false, logrus.Fields{"layer": "test"})
	expect.Equal(t, logrus.PanicLevel, disabled.Logger.Level)
}
