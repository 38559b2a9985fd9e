package ipc

// Environment contract between the supervisor and a worker process.
const (
	EnvFunctionName          = "FUNCTION_NAME"
	EnvFunctionTarget        = "FUNCTION_TARGET"
	EnvFunctionSignatureType = "FUNCTION_SIGNATURE_TYPE"
	EnvFunctionRegion        = "FUNCTION_REGION"
	EnvFunctionTimeoutSec    = "FUNCTION_TIMEOUT_SEC"
	EnvProject               = "GCLOUD_PROJECT"
	EnvProjectLegacy         = "GCP_PROJECT"
	EnvPort                  = "PORT"
	EnvLogLevel              = "HYPERFAAS_EMULATOR_LOG_LEVEL"
)

// Signature types announced in EnvFunctionSignatureType.
const (
	SignatureHTTP  = "http"
	SignatureEvent = "event"
)
