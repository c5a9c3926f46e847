package rpc

import (
	"testing"

	"github.com/aarch64rdbg/engine/breakpoint"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type HandlersSuite struct{}

func TestHandlers(t *testing.T) {
	suite.RunTests(t, &HandlersSuite{})
}

func (HandlersSuite) TestSplitFieldsTakesRestAsLastField(t *testing.T) {
	fields := splitFields([]byte("0x1000 hello world"), 2)
	expect.Equal(t, 2, len(fields))
	expect.Equal(t, "0x1000", fields[0])
	expect.Equal(t, "hello world", fields[1])
}

func (HandlersSuite) TestSplitFieldsExactCount(t *testing.T) {
	fields := splitFields([]byte("1 x0 0x10"), 3)
	expect.Equal(t, []string{"1", "x0", "0x10"}, fields)
}

func (HandlersSuite) TestSplitFieldsCollapsesLeadingSpaces(t *testing.T) {
	fields := splitFields([]byte("1    x0   0x10"), 3)
	expect.Equal(t, []string{"1", "x0", "0x10"}, fields)
}

func (HandlersSuite) TestSplitFieldsShortContentReturnsFewerFields(t *testing.T) {
	fields := splitFields([]byte("1"), 3)
	expect.Equal(t, []string{"1"}, fields)
}

func (HandlersSuite) TestTrimLeadingSpace(t *testing.T) {
	expect.Equal(t, "x", string(trimLeadingSpace([]byte("   x"))))
	expect.Equal(t, "", string(trimLeadingSpace([]byte("   "))))
}

func (HandlersSuite) TestIndexSpace(t *testing.T) {
	expect.Equal(t, 3, indexSpace([]byte("foo bar")))
	expect.Equal(t, -1, indexSpace([]byte("foobar")))
}

func (HandlersSuite) TestRequireDebuggerNil(t *testing.T) {
	err := requireDebugger(nil)
	expect.NotNil(t, err)
}

func (HandlersSuite) TestParseAddrAcceptsHexWithAndWithoutPrefix(t *testing.T) {
	addr, err := parseAddr("0x1000")
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x1000), uint64(addr))

	addr, err = parseAddr("2000")
	expect.Nil(t, err)
	expect.Equal(t, uint64(0x2000), uint64(addr))
}

func (HandlersSuite) TestParseAddrRejectsGarbage(t *testing.T) {
	_, err := parseAddr("not-an-address")
	expect.NotNil(t, err)
}

func (HandlersSuite) TestParseConditionParsesRegisterOpValue(t *testing.T) {
	cond, err := parseCondition("x0 eq 0x5")
	expect.Nil(t, err)
	expect.Equal(t, "x0", cond.Register)
	expect.Equal(t, breakpoint.Eq, cond.Op)
	expect.Equal(t, uint64(0x5), cond.Value)
}

func (HandlersSuite) TestParseConditionRejectsUnknownOp(t *testing.T) {
	_, err := parseCondition("x0 bogus 0x5")
	expect.NotNil(t, err)
}

func (HandlersSuite) TestParseConditionRejectsWrongFieldCount(t *testing.T) {
	_, err := parseCondition("x0 eq")
	expect.NotNil(t, err)
}
