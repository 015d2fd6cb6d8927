package version

import (
	"encoding/json"
	"log"
	"runtime/debug"
)

const (
	DriverName    = "Envoy"
	DriverVersion = "0.1"
)

// Version holds the vcs revision and time of the running binary as JSON.
var Version = func() string {
	type versionInfo struct {
		Driver string `json:"driver"`
		Commit string `json:"commit"`
		Time   string `json:"time"`
	}
	v := versionInfo{Driver: DriverVersion}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				v.Commit = setting.Value
			case "vcs.time":
				v.Time = setting.Value
			}
		}
	}
	b, err := json.Marshal(&v)
	if err != nil {
		log.Fatal(err)
	}

	return string(b)
}()

func UserAgent() string {
	return "envoy/" + DriverVersion
}

// String is what envoyctl -version prints.
func String() string {
	return DriverName + " driver version " + DriverVersion
}
