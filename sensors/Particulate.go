package sensors

import (
	"encoding/binary"

	"github.com/gr-butler/fieldstation/buffer"
	"github.com/gr-butler/fieldstation/data"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

const (
	PM1Key  = "pm1_0"
	PM25Key = "pm2_5"
	PM10Key = "pm10"

	pmsFrameSize = 32
	pmsCmdMode   = 0xe1
	pmsCmdRead   = 0xe2
	pmsCmdSleep  = 0xe4
)

// stream is the byte-stream bus the PMS5003 sits on.
type stream interface {
	Write(b []byte) error
	ReadFull(n int) ([]byte, error)
	Drain()
}

// Particulate is the PMS5003 laser particle counter, used in passive mode.
// Several frames are averaged per reading.
type Particulate struct {
	port   stream
	frames int
}

func NewParticulate(port stream, frames int) *Particulate {
	if frames < 1 {
		frames = 1
	}
	return &Particulate{port: port, frames: frames}
}

func (p *Particulate) Name() string {
	return "pms5003"
}

func pmsCommand(cmd byte, value uint16) []byte {
	b := []byte{0x42, 0x4d, cmd, byte(value >> 8), byte(value)}
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return append(b, byte(sum>>8), byte(sum))
}

func (p *Particulate) send(cmd byte, value uint16) error {
	if err := p.port.Write(pmsCommand(cmd, value)); err != nil {
		return errors.Wrapf(err, "pms5003 command 0x%02x", cmd)
	}
	// mode and sleep commands are answered with a short frame we do not need
	p.port.Drain()
	return nil
}

// Setup switches to passive mode.
func (p *Particulate) Setup() error {
	return p.send(pmsCmdMode, 0)
}

// Wakeup starts the fan. It needs about 30 seconds before readings settle.
func (p *Particulate) Wakeup() error {
	return p.send(pmsCmdSleep, 1)
}

func (p *Particulate) Sleep() error {
	return p.send(pmsCmdSleep, 0)
}

type pmsFrame struct {
	pm1, pm25, pm10 uint16
}

func parsePMSFrame(b []byte) (pmsFrame, error) {
	if len(b) != pmsFrameSize || b[0] != 0x42 || b[1] != 0x4d {
		return pmsFrame{}, errors.Errorf("pms5003 bad frame header % x", b[:min(len(b), 4)])
	}
	if n := binary.BigEndian.Uint16(b[2:]); n != pmsFrameSize-4 {
		return pmsFrame{}, errors.Errorf("pms5003 bad frame length %d", n)
	}
	var sum uint16
	for _, c := range b[:pmsFrameSize-2] {
		sum += uint16(c)
	}
	if want := binary.BigEndian.Uint16(b[pmsFrameSize-2:]); sum != want {
		return pmsFrame{}, errors.Errorf("pms5003 checksum 0x%04x, want 0x%04x", sum, want)
	}
	// atmospheric environment concentrations
	return pmsFrame{
		pm1:  binary.BigEndian.Uint16(b[10:]),
		pm25: binary.BigEndian.Uint16(b[12:]),
		pm10: binary.BigEndian.Uint16(b[14:]),
	}, nil
}

func (p *Particulate) GetData(r *data.Reading) error {
	pm1 := buffer.NewBuffer(p.frames)
	pm25 := buffer.NewBuffer(p.frames)
	pm10 := buffer.NewBuffer(p.frames)

	p.port.Drain()
	var lastErr error
	for i := 0; i < p.frames; i++ {
		if err := p.port.Write(pmsCommand(pmsCmdRead, 0)); err != nil {
			return errors.Wrap(err, "pms5003 read request")
		}
		raw, err := p.port.ReadFull(pmsFrameSize)
		if err != nil {
			lastErr = err
			logger.Warnf("PMS5003 frame %d/%d failed [%v]", i+1, p.frames, err)
			p.port.Drain()
			continue
		}
		f, err := parsePMSFrame(raw)
		if err != nil {
			lastErr = err
			logger.Warnf("PMS5003 frame %d/%d rejected [%v]", i+1, p.frames, err)
			p.port.Drain()
			continue
		}
		pm1.AddItem(float64(f.pm1))
		pm25.AddItem(float64(f.pm25))
		pm10.AddItem(float64(f.pm10))
	}
	if pm25.Len() == 0 {
		return errors.Wrap(lastErr, "pms5003 no valid frames")
	}
	avg1, _, _, _ := pm1.GetAverageMinMaxSum()
	avg25, _, _, _ := pm25.GetAverageMinMaxSum()
	avg10, _, _, _ := pm10.GetAverageMinMaxSum()
	r.SetFloat(PM1Key, round(float64(avg1), 1))
	r.SetFloat(PM25Key, round(float64(avg25), 1))
	r.SetFloat(PM10Key, round(float64(avg10), 1))
	return nil
}

func (p *Particulate) Discovery() []Discovery {
	return []Discovery{
		{Component: "sensor", ObjectID: "pm2_5", Config: DiscoveryConfig{
			Name: "PM 2.5", Icon: "mdi:smog", Unit: "μg/m³", ValueTemplate: valueTemplate(PM25Key), ForceUpdate: true}},
		{Component: "sensor", ObjectID: "pm10", Config: DiscoveryConfig{
			Name: "PM 10", Icon: "mdi:smog", Unit: "μg/m³", ValueTemplate: valueTemplate(PM10Key), ForceUpdate: true}},
	}
}
