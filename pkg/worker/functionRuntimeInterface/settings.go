package functionRuntimeInterface

import (
	"os"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
)

const defaultStandalonePort = "8080"

type runtimeSettings struct {
	functionName  string
	target        string
	signatureType string
	region        string
	project       string
	timeout       string
	port          string
	logLevel      string
}

func loadRuntimeSettings() runtimeSettings {
	project := os.Getenv(ipc.EnvProject)
	if project == "" {
		project = os.Getenv(ipc.EnvProjectLegacy)
	}
	port := os.Getenv(ipc.EnvPort)
	if port == "" {
		port = defaultStandalonePort
	}
	return runtimeSettings{
		functionName:  os.Getenv(ipc.EnvFunctionName),
		target:        os.Getenv(ipc.EnvFunctionTarget),
		signatureType: os.Getenv(ipc.EnvFunctionSignatureType),
		region:        os.Getenv(ipc.EnvFunctionRegion),
		project:       project,
		timeout:       os.Getenv(ipc.EnvFunctionTimeoutSec),
		port:          port,
		logLevel:      os.Getenv(ipc.EnvLogLevel),
	}
}

// descriptor describes the function when the runner is started without a
// supervisor, e.g. `PORT=8080 FUNCTION_TARGET=Echo go run .`.
func (s runtimeSettings) descriptor() *metadata.FunctionDescriptor {
	shortName := s.functionName
	if shortName == "" {
		shortName = s.target
	}
	project, region := s.project, s.region
	if project == "" {
		project = "local"
	}
	if region == "" {
		region = "local"
	}
	trigger := metadata.TriggerHTTP
	if s.signatureType == ipc.SignatureEvent {
		trigger = metadata.TriggerEvent
	}
	desc := &metadata.FunctionDescriptor{
		Name:       metadata.FunctionName{Project: project, Location: region, ShortName: shortName}.String(),
		ShortName:  shortName,
		EntryPoint: s.target,
		Trigger:    trigger,
	}
	if s.timeout != "" {
		desc.Timeout = &metadata.Timeout{Seconds: s.timeout}
	}
	if wd, err := os.Getwd(); err == nil {
		desc.SourcePath = wd
	}
	return desc
}
