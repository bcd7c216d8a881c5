package diode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"
)

func TestKnobsResolve(t *testing.T) {
	for _, tc := range []struct {
		name     string
		knobs    Knobs
		mtu      int
		encoding int
		repair   int
	}{
		{"defaults", Knobs{}, 1500, 30000, 3000},
		{"mtu sets repair", Knobs{MTU: 9000}, 9000, 30000, 18000},
		{"repair override wins", Knobs{MTU: 9000, RepairBlockSize: 1234}, 9000, 30000, 1234},
		{"encoding override", Knobs{EncodingBlockSize: 60000}, 1500, 60000, 3000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.knobs.Resolve()
			require.Equal(t, tc.mtu, r.MTU, "MTU")
			require.Equal(t, tc.encoding, r.EncodingBlockSize, "EncodingBlockSize")
			require.Equal(t, tc.repair, r.RepairBlockSize, "RepairBlockSize")
			require.Nil(t, r.MaxBandwidth, "MaxBandwidth")
			require.Nil(t, r.BlockExpirationTimeoutMs, "BlockExpirationTimeoutMs")
		})
	}
}

func TestKnobsResolveProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := Knobs{
			MTU:               rapid.IntRange(0, 65000).Draw(t, "mtu"),
			EncodingBlockSize: rapid.IntRange(0, 1<<20).Draw(t, "encoding"),
			RepairBlockSize:   rapid.IntRange(0, 1<<20).Draw(t, "repair"),
			MaxBandwidth:      float64(rapid.IntRange(0, 10000).Draw(t, "bandwidth")),
		}
		r := k.Resolve()

		switch {
		case k.RepairBlockSize > 0:
			if r.RepairBlockSize != k.RepairBlockSize {
				t.Fatalf("repair override not kept: %d != %d", r.RepairBlockSize, k.RepairBlockSize)
			}
		case k.MTU > 0:
			if r.RepairBlockSize != 2*k.MTU {
				t.Fatalf("repair not derived from MTU: %d != 2*%d", r.RepairBlockSize, k.MTU)
			}
		default:
			if r.RepairBlockSize != defaultRepairBlockSize {
				t.Fatalf("repair not defaulted: %d", r.RepairBlockSize)
			}
		}
		if r.MTU <= 0 || r.EncodingBlockSize <= 0 {
			t.Fatalf("unresolved knobs: %+v", r)
		}
		if (k.MaxBandwidth > 0) != (r.MaxBandwidth != nil) {
			t.Fatalf("max bandwidth presence mismatch: %v vs %v", k.MaxBandwidth, r.MaxBandwidth)
		}
	})
}

func TestSynthesizeConfig(t *testing.T) {
	require := require.New(t)

	ports := DefaultPorts()
	knobs := Knobs{MTU: 9000}.Resolve()

	send, err := SynthesizeConfig(RoleSend, knobs, ports, true, "/tmp/log_send.yml")
	require.NoError(err, "SynthesizeConfig(send)")
	require.Equal([]uint16{5000}, send.UDPPort, "sender always targets the public port")
	require.Equal(9000, send.UDPMTU)
	require.Equal(18000, send.RepairBlockSize)
	require.Equal("127.0.0.1:5000", send.Sender.BindTCP)

	recv, err := SynthesizeConfig(RoleReceive, knobs, ports, false, "")
	require.NoError(err, "SynthesizeConfig(receive)")
	require.Equal([]uint16{5000}, recv.UDPPort, "receiver binds the public port without faults")
	require.Equal("127.0.0.1:7000", recv.Receiver.ToTCP)

	recv, err = SynthesizeConfig(RoleReceive, knobs, ports, true, "")
	require.NoError(err, "SynthesizeConfig(receive, faults)")
	require.Equal([]uint16{6000}, recv.UDPPort, "receiver binds the rebound port with faults")

	_, err = SynthesizeConfig(RoleSendFile, knobs, ports, false, "")
	require.ErrorIs(err, ErrUsage, "client roles have no transport config")
}

func TestWriteConfig(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	cfg, err := SynthesizeConfig(RoleSend, Knobs{}.Resolve(), DefaultPorts(), false, "/logs/cfg.yml")
	require.NoError(err, "SynthesizeConfig")

	path, err := WriteConfig(dir, RoleSend, cfg)
	require.NoError(err, "WriteConfig")
	require.Equal(filepath.Join(dir, "lidi_send.toml"), path)

	b, err := os.ReadFile(path)
	require.NoError(err, "ReadFile")
	var m map[string]interface{}
	require.NoError(toml.Unmarshal(b, &m), "toml.Unmarshal")
	require.EqualValues(30000, m["encoding_block_size"])
	require.EqualValues(3000, m["repair_block_size"])
	require.EqualValues(1500, m["udp_mtu"])
	require.EqualValues(500, m["heartbeat"])
	require.Equal("/logs/cfg.yml", m["log_config"])

	sender, ok := m["sender"].(map[string]interface{})
	require.True(ok, "sender table")
	require.NotContains(sender, "max_bandwidth", "unlimited bandwidth is omitted")
	receiver, ok := m["receiver"].(map[string]interface{})
	require.True(ok, "receiver table")
	require.EqualValues(1000, receiver["session_expiration_timeout"])
	require.NotContains(receiver, "block_expiration_timeout")

	_, err = WriteConfig(dir, RoleSend, cfg)
	require.ErrorIs(err, ErrConfigWrite, "configs are written once")

	_, err = WriteConfig(filepath.Join(dir, "missing"), RoleReceive, cfg)
	require.ErrorIs(err, ErrConfigWrite, "unwritable directory")
}

func TestWriteConfigMaxBandwidth(t *testing.T) {
	require := require.New(t)

	cfg, err := SynthesizeConfig(RoleSend, Knobs{MaxBandwidth: 100}.Resolve(), DefaultPorts(), false, "")
	require.NoError(err, "SynthesizeConfig")
	path, err := WriteConfig(t.TempDir(), RoleSend, cfg)
	require.NoError(err, "WriteConfig")

	b, err := os.ReadFile(path)
	require.NoError(err, "ReadFile")
	var decoded TransportConfig
	require.NoError(toml.Unmarshal(b, &decoded), "toml.Unmarshal")
	require.NotNil(decoded.Sender.MaxBandwidth)
	require.EqualValues(100, *decoded.Sender.MaxBandwidth)
	require.NotContains(string(b), "log_config", "empty log config is omitted")
}

func TestWriteLogConfig(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	path, err := WriteLogConfig(dir, RoleReceive, LogPath("/logs", RoleReceive), "info")
	require.NoError(err, "WriteLogConfig")
	require.Equal(filepath.Join(dir, "log_config_diode_receive.yml"), path)

	b, err := os.ReadFile(path)
	require.NoError(err, "ReadFile")
	var cfg LogConfig
	require.NoError(yaml.Unmarshal(b, &cfg), "yaml.Unmarshal")
	require.Equal("file", cfg.Appenders["file"].Kind)
	require.Equal("/logs/diode_receive.log", cfg.Appenders["file"].Path)
	require.Equal("info", cfg.Root.Level)
	require.Equal([]string{"file"}, cfg.Root.Appenders)
}
