package main

import (
	"regexp"
	"testing"

	"github.com/srg/linkmgr/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var uidPattern = regexp.MustCompile(`uid \d+`)

// replaceUID hides connection uids, which depend on allocation order.
func replaceUID(out string) string {
	return uidPattern.ReplaceAllString(out, "uid N")
}

type SendCommandTestSuite struct {
	CommandTestSuite
}

func (s *SendCommandTestSuite) TestEchoRoundTrip() {
	// GOAL: Verify send connects, delivers every message and collects the echoes
	//
	// TEST SCENARIO: Three sends to the loopback echo peer with --await-replies → three echoes and a summary

	out, _, err := s.ExecuteCommand("send", "--address", "loop-1", "--payload", "hello", "--count", "3", "--await-replies", "--timeout", "5s")
	s.Require().NoError(err, "send MUST succeed:\n%s", out)

	testutils.NewTextAsserter(s.T()).WithOptions(testutils.WithTrimSpace(true)).Assert(
		replaceUID(out),
		`connected loop-1 app 1 (uid N)
received v1 "hello"
received v1 "hello"
received v1 "hello"
sent 3/3, received 3`)
}

func (s *SendCommandTestSuite) TestHexPayloadToSecondApplication() {
	// GOAL: Verify the requested application is selected on a multi-application device
	//
	// TEST SCENARIO: Hex payload to app 2 of loop-2 → binary echo printed as hex

	out, _, err := s.ExecuteCommand("send", "--address", "loop-2", "--app", "2", "--hex", "--payload", "00ff10", "--await-replies", "--protocol", "7", "--timeout", "5s")
	s.Require().NoError(err, "send MUST succeed:\n%s", out)

	s.Contains(out, "connected loop-2 app 2")
	s.Contains(out, "received v7 0x00ff10")
	s.Contains(out, "sent 1/1, received 1")
}

func (s *SendCommandTestSuite) TestUnknownDevice() {
	// GOAL: Verify a device missing from every adapter is reported once the search ends
	//
	// TEST SCENARIO: Address nobody serves → ErrDeviceNotFound well before the timeout

	_, _, err := s.ExecuteCommand("send", "--address", "nowhere", "--payload", "x", "--timeout", "5s")
	s.Require().ErrorIs(err, ErrDeviceNotFound, "unknown address MUST fail with ErrDeviceNotFound")
}

func (s *SendCommandTestSuite) TestUnservedApplication() {
	// GOAL: Verify asking for an application the device does not serve times out cleanly
	//
	// TEST SCENARIO: app 9 on loop-1 → ErrAppNotAvailable

	_, _, err := s.ExecuteCommand("send", "--address", "loop-1", "--app", "9", "--payload", "x", "--timeout", "1s")
	s.Require().ErrorIs(err, ErrAppNotAvailable)
}

func (s *SendCommandTestSuite) TestInvalidArguments() {
	_, _, err := s.ExecuteCommand("send", "--payload", "x")
	s.Error(err, "--address MUST be required")

	_, _, err = s.ExecuteCommand("send", "--address", "loop-1", "--hex", "--payload", "zz")
	s.ErrorContains(err, "invalid hex payload")

	_, _, err = s.ExecuteCommand("send", "--address", "loop-1", "--count", "0")
	s.ErrorContains(err, "--count must be positive")
}

func TestSendCommandTestSuite(t *testing.T) {
	suite.Run(t, new(SendCommandTestSuite))
}

func TestFormatPayload(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("hello"), `"hello"`},
		{[]byte("line\n"), `"line\n"`},
		{[]byte{0x00, 0xff}, "0x00ff"},
		{[]byte{}, `""`},
	}
	for _, tt := range tests {
		if got := formatPayload(tt.in); got != tt.want {
			t.Errorf("formatPayload(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
