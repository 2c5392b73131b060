package sensor

import (
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
	"periph.io/x/periph/conn/physic"
)

const DefaultIIODevice = "/sys/bus/iio/devices/iio:device0"

const (
	iioTemperature = "in_temp_input"
	iioHumidity    = "in_humidityrelative_input"
)

// IIOEnv reads DHT11/DHT22 through Linux IIO dht11 driver.
// Kernel reports milli-degrees Celsius and milli-percent.
type IIOEnv struct {
	log     *log2.Log
	metrics *metrics.Metrics
	Dir     string
}

func NewIIOEnv(log *log2.Log, m *metrics.Metrics, dir string) *IIOEnv {
	return &IIOEnv{log: log, metrics: m, Dir: dir}
}

// Sense is one blocking read of both channels.
func (self *IIOEnv) Sense(e *physic.Env) error {
	t, err := self.readMilli(iioTemperature)
	if err != nil {
		return err
	}
	h, err := self.readMilli(iioHumidity)
	if err != nil {
		return err
	}
	e.Temperature = physic.ZeroCelsius + physic.Temperature(t)*physic.MilliCelsius
	e.Humidity = physic.RelativeHumidity(h * int64(physic.PercentRH) / 1000)
	return nil
}

func (self *IIOEnv) Env() (temperature, humidity Reading, err error) {
	var e physic.Env
	if err = self.Sense(&e); err != nil {
		self.log.Errorf("env read err=%v", err)
		self.metrics.SensorRead("env", false)
		return Invalid(), Invalid(), err
	}
	self.metrics.SensorRead("env", true)
	temperature = Reading{Value: Celsius(e.Temperature), Valid: true}
	humidity = Reading{Value: Percent(e.Humidity), Valid: true}
	self.log.Debugf("env temperature=%s humidity=%s", e.Temperature, e.Humidity)
	return temperature, humidity, nil
}

func (self *IIOEnv) readMilli(name string) (int64, error) {
	path := filepath.Join(self.Dir, name)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, errors.Annotatef(err, "iio read %s", name)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "iio parse %s", name)
	}
	return x, nil
}

func Celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}

func Percent(h physic.RelativeHumidity) float64 {
	return float64(h) / float64(physic.PercentRH)
}
