// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/ini.v1"
)

// rootSection mirrors the fixed settings root QGroundControl's
// LinkManager persists under (linkmanager.cpp / JsonHelper.cc pattern).
const rootSection = "LinkManager"

// Load reads the flat key/value link-configuration store from path. A
// missing file is not an error; it yields an empty list. Configs whose
// type is unrecognized are skipped and logged.
func Load(path string) ([]LinkConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	root := f.Section(rootSection)
	count, _ := root.Key("count").Int()

	var out []LinkConfig
	for i := 0; i < count; i++ {
		sec := f.Section(fmt.Sprintf("%s.Link%d", rootSection, i))
		cfg, err := loadOne(sec)
		if err != nil {
			slog.Warn("skipping unreadable link config on load", "index", i, "error", err)
			continue
		}
		if cfg != nil {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func loadOne(sec *ini.Section) (LinkConfig, error) {
	common := Common{
		Name:        sec.Key("name").String(),
		Role:        Role(sec.Key("role").String()),
		AutoConnect: sec.Key("auto").MustBool(false),
		HighLatency: sec.Key("high_latency").MustBool(false),
		// Dynamic configs are never persisted, so a config loaded from
		// disk is definitionally not dynamic.
		Dynamic: false,
	}

	switch sec.Key("type").String() {
	case string(KindSerial):
		return &SerialConfig{
			Common:          common,
			PortName:        sec.Key("portName").String(),
			PortDisplayName: sec.Key("portDisplayName").String(),
			Baud:            sec.Key("baud").MustInt(115200),
			DataBits:        sec.Key("dataBits").MustInt(8),
			Parity:          Parity(sec.Key("parity").MustString(string(ParityNone))),
			StopBits:        sec.Key("stopBits").MustFloat64(1),
			FlowControl:     sec.Key("flowControl").MustBool(false),
			USBDirect:       sec.Key("usbDirect").MustBool(false),
		}, nil
	case string(KindUDP):
		udp := &UDPConfig{
			Common:    common,
			LocalPort: uint16(sec.Key("port").MustUint(14550)),
		}
		hostCount := sec.Key("hostCount").MustInt(0)
		for i := 0; i < hostCount; i++ {
			host := sec.Key(fmt.Sprintf("host%d", i)).String()
			port, err := strconv.ParseUint(sec.Key(fmt.Sprintf("port%d", i)).String(), 10, 16)
			if err != nil || host == "" {
				continue
			}
			udp.Peers = append(udp.Peers, UDPPeer{Host: host, Port: uint16(port)})
		}
		return udp, nil
	default:
		return nil, fmt.Errorf("unknown link type %q", sec.Key("type").String())
	}
}

// Save writes every non-dynamic config in cfgs to path, overwriting it.
func Save(path string, cfgs []LinkConfig) error {
	f := ini.Empty()
	root := f.Section(rootSection)

	idx := 0
	for _, c := range cfgs {
		if isDynamic(c) {
			continue
		}
		sec, err := f.NewSection(fmt.Sprintf("%s.Link%d", rootSection, idx))
		if err != nil {
			return fmt.Errorf("creating section for link %d: %w", idx, err)
		}
		saveOne(sec, c)
		idx++
	}
	root.Key("count").SetValue(strconv.Itoa(idx))

	return f.SaveTo(path)
}

func isDynamic(c LinkConfig) bool {
	switch v := c.(type) {
	case *SerialConfig:
		return v.Dynamic
	case *UDPConfig:
		return v.Dynamic
	}
	return false
}

func saveOne(sec *ini.Section, c LinkConfig) {
	switch v := c.(type) {
	case *SerialConfig:
		sec.Key("type").SetValue(string(KindSerial))
		sec.Key("name").SetValue(v.Name)
		sec.Key("role").SetValue(string(v.Role))
		sec.Key("auto").SetValue(strconv.FormatBool(v.AutoConnect))
		sec.Key("high_latency").SetValue(strconv.FormatBool(v.HighLatency))
		sec.Key("portName").SetValue(v.PortName)
		sec.Key("portDisplayName").SetValue(v.PortDisplayName)
		sec.Key("baud").SetValue(strconv.Itoa(v.Baud))
		sec.Key("dataBits").SetValue(strconv.Itoa(v.DataBits))
		sec.Key("parity").SetValue(string(v.Parity))
		sec.Key("stopBits").SetValue(strconv.FormatFloat(v.StopBits, 'f', -1, 64))
		sec.Key("flowControl").SetValue(strconv.FormatBool(v.FlowControl))
		sec.Key("usbDirect").SetValue(strconv.FormatBool(v.USBDirect))
	case *UDPConfig:
		sec.Key("type").SetValue(string(KindUDP))
		sec.Key("name").SetValue(v.Name)
		sec.Key("role").SetValue(string(v.Role))
		sec.Key("auto").SetValue(strconv.FormatBool(v.AutoConnect))
		sec.Key("high_latency").SetValue(strconv.FormatBool(v.HighLatency))
		sec.Key("port").SetValue(strconv.Itoa(int(v.LocalPort)))
		sec.Key("hostCount").SetValue(strconv.Itoa(len(v.Peers)))
		for i, p := range v.Peers {
			sec.Key(fmt.Sprintf("host%d", i)).SetValue(p.Host)
			sec.Key(fmt.Sprintf("port%d", i)).SetValue(strconv.Itoa(int(p.Port)))
		}
	}
}

// jsonConfig is the wire shape for JSON import/export, in the spirit of
// QGroundControl's JsonHelper.cc flat array-of-objects encoding.
type jsonConfig struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	AutoConnect bool      `json:"autoConnect"`
	HighLatency bool      `json:"highLatency"`
	PortName    string    `json:"portName,omitempty"`
	Baud        int       `json:"baud,omitempty"`
	DataBits    int       `json:"dataBits,omitempty"`
	Parity      string    `json:"parity,omitempty"`
	StopBits    float64   `json:"stopBits,omitempty"`
	FlowControl bool      `json:"flowControl,omitempty"`
	USBDirect   bool      `json:"usbDirect,omitempty"`
	LocalPort   uint16    `json:"localPort,omitempty"`
	Peers       []UDPPeer `json:"peers,omitempty"`
}

// ExportJSON renders the non-dynamic configs as a JSON array, for the
// CLI's `config-export` subcommand.
func ExportJSON(cfgs []LinkConfig) ([]byte, error) {
	var out []jsonConfig
	for _, c := range cfgs {
		if isDynamic(c) {
			continue
		}
		out = append(out, toJSONConfig(c))
	}
	return json.MarshalIndent(out, "", "  ")
}

func toJSONConfig(c LinkConfig) jsonConfig {
	switch v := c.(type) {
	case *SerialConfig:
		return jsonConfig{
			Type: string(KindSerial), Name: v.Name, Role: string(v.Role),
			AutoConnect: v.AutoConnect, HighLatency: v.HighLatency,
			PortName: v.PortName, Baud: v.Baud, DataBits: v.DataBits,
			Parity: string(v.Parity), StopBits: v.StopBits,
			FlowControl: v.FlowControl, USBDirect: v.USBDirect,
		}
	case *UDPConfig:
		return jsonConfig{
			Type: string(KindUDP), Name: v.Name, Role: string(v.Role),
			AutoConnect: v.AutoConnect, HighLatency: v.HighLatency,
			LocalPort: v.LocalPort, Peers: v.Peers,
		}
	}
	return jsonConfig{}
}

// ImportJSON parses the ExportJSON wire format back into LinkConfigs.
func ImportJSON(data []byte) ([]LinkConfig, error) {
	var in []jsonConfig
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	var out []LinkConfig
	for _, jc := range in {
		common := Common{Name: jc.Name, Role: Role(jc.Role), AutoConnect: jc.AutoConnect, HighLatency: jc.HighLatency}
		switch jc.Type {
		case string(KindSerial):
			out = append(out, &SerialConfig{
				Common: common, PortName: jc.PortName, Baud: jc.Baud, DataBits: jc.DataBits,
				Parity: Parity(jc.Parity), StopBits: jc.StopBits, FlowControl: jc.FlowControl, USBDirect: jc.USBDirect,
			})
		case string(KindUDP):
			out = append(out, &UDPConfig{Common: common, LocalPort: jc.LocalPort, Peers: jc.Peers})
		default:
			slog.Warn("skipping unknown link type on import", "type", jc.Type)
		}
	}
	return out, nil
}
