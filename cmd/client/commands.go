package main

import (
	"fmt"
	"strconv"
	"strings"

	"jmrithrottle/gateway/pkg/proto"
)

const usage = `commands:
  add A            acquire address A
  rm A             release address A
  v A S            set speed step S (0..126)
  f A F on|off     press or release function F
  dir A fwd|rev    set direction
  stop A           speed 0
  estop A          emergency stop
  quit`

// parseCommand turns one console line into the envelope sent to the gateway.
func parseCommand(line string) (proto.Message, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return proto.Message{}, fmt.Errorf("expected a command and an address")
	}
	addr, err := strconv.Atoi(fields[1])
	if err != nil || addr < 0 {
		return proto.Message{}, fmt.Errorf("bad address %q", fields[1])
	}
	a := proto.Address(addr)
	args := fields[2:]

	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s takes %d argument(s) after the address", fields[0], n)
		}
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "add":
		return proto.New(a, proto.AddAddress), need(0)
	case "rm", "remove":
		return proto.New(a, proto.RemoveAddress), need(0)
	case "stop":
		return proto.New(a, proto.SetVelocity(proto.Stop)), need(0)
	case "estop":
		return proto.New(a, proto.SetVelocity(proto.EmergencyStop)), need(0)
	case "v", "speed":
		if err := need(1); err != nil {
			return proto.Message{}, err
		}
		s, err := strconv.Atoi(args[0])
		if err != nil || s < int(proto.EmergencyStop) || s > int(proto.MaxSpeedStep) {
			return proto.Message{}, fmt.Errorf("bad speed %q", args[0])
		}
		return proto.New(a, proto.SetVelocity(proto.Velocity(s))), nil
	case "f", "fn":
		if err := need(2); err != nil {
			return proto.Message{}, err
		}
		f, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return proto.Message{}, fmt.Errorf("bad function %q", args[0])
		}
		switch strings.ToLower(args[1]) {
		case "on", "1", "press":
			return proto.New(a, proto.FunctionPressed(proto.Function(f))), nil
		case "off", "0", "release":
			return proto.New(a, proto.FunctionReleased(proto.Function(f))), nil
		}
		return proto.Message{}, fmt.Errorf("function state must be on or off")
	case "dir":
		if err := need(1); err != nil {
			return proto.Message{}, err
		}
		switch strings.ToLower(args[0]) {
		case "fwd", "forward", "f":
			return proto.New(a, proto.SetDirection(proto.Forward)), nil
		case "rev", "reverse", "r":
			return proto.New(a, proto.SetDirection(proto.Reverse)), nil
		}
		return proto.Message{}, fmt.Errorf("direction must be fwd or rev")
	}
	return proto.Message{}, fmt.Errorf("unknown command %q", fields[0])
}
