package diode

import (
	"fmt"
	"strconv"
	"time"
)

// Argument is a single argument on the commandline, including its values.
type Argument struct {
	// Name is the name of the argument, i.e. the leading dashed component.
	Name string `json:"name"`
	// Values is the array of values passed to this argument.
	Values []string `json:"values"`
}

type argBuilder struct {
	vec        []Argument
	positional []string
}

func (args *argBuilder) flag(name string, values ...string) *argBuilder {
	args.vec = append(args.vec, Argument{
		Name:   name,
		Values: values,
	})
	return args
}

func (args *argBuilder) config(path string) *argBuilder {
	// The transport daemons only take the short form.
	args.positional = append(args.positional, "-c", path)
	return args
}

func (args *argBuilder) logConfig(path string) *argBuilder {
	if path == "" {
		return args
	}
	return args.flag("log-config", path)
}

func (args *argBuilder) bindTCP(addr string) *argBuilder {
	return args.flag("bind-tcp", addr)
}

func (args *argBuilder) toTCP(addr string) *argBuilder {
	return args.flag("to-tcp", addr)
}

func (args *argBuilder) bindUDP(addr string) *argBuilder {
	return args.flag("bind-udp", addr)
}

func (args *argBuilder) toUDP(addr string) *argBuilder {
	return args.flag("to-udp", addr)
}

func (args *argBuilder) bufferSize(n int) *argBuilder {
	return args.flag("buffer-size", strconv.Itoa(n))
}

func (args *argBuilder) maximumDelay(d time.Duration) *argBuilder {
	return args.flag("maximum-delay", strconv.FormatInt(d.Milliseconds(), 10))
}

func (args *argBuilder) networkDownAfter(d time.Duration) *argBuilder {
	return args.flag("network-down-after", formatSeconds(d))
}

func (args *argBuilder) networkUpAfter(d time.Duration) *argBuilder {
	return args.flag("network-up-after", formatSeconds(d))
}

func (args *argBuilder) lossRate(p float64) *argBuilder {
	return args.flag("loss-rate", strconv.FormatFloat(p, 'f', -1, 64))
}

func (args *argBuilder) rate(bytesPerSecond int64) *argBuilder {
	return args.flag("rate", strconv.FormatInt(bytesPerSecond, 10))
}

func (args *argBuilder) appendPositional(values ...string) *argBuilder {
	args.positional = append(args.positional, values...)
	return args
}

// build returns the arguments with all flags first and positional values
// last. A flag given twice with different values is a programming error.
func (args *argBuilder) build() []string {
	var output []string
	shipped := make(map[string][]string)
	for _, arg := range args.vec {
		if vals, ok := shipped[arg.Name]; ok {
			if fmt.Sprint(vals) != fmt.Sprint(arg.Values) {
				panic(fmt.Sprintf("args: argument given multiple times with different values (%s)", arg.Name))
			}
			continue
		}
		output = append(output, "--"+arg.Name)
		output = append(output, arg.Values...)
		shipped[arg.Name] = arg.Values
	}
	return append(output, args.positional...)
}

func newArgBuilder() *argBuilder {
	return &argBuilder{}
}

// formatSeconds renders a duration as whole elapsed seconds.
func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
