// Package extproc holds the message and service shapes of Envoy's external
// processor protocol (envoy.service.ext_proc.v3). The real definitions live
// in envoyproxy/go-control-plane and are normally produced by protoc; this
// package hand-writes the subset the gateway actually speaks, mirroring the
// teacher's pb/mock.go approach of a small interface-shaped stand-in when a
// generated client isn't available in the build environment.
package extproc

import (
	"google.golang.org/grpc"
)

// HeaderValue mirrors envoy.config.core.v3.HeaderValue: value may arrive as
// either a UTF-8 string or raw bytes; callers should prefer RawValue.
type HeaderValue struct {
	Key      string
	Value    string
	RawValue []byte
}

// HeaderMap mirrors envoy.config.core.v3.HeaderMap.
type HeaderMap struct {
	Headers []*HeaderValue
}

// HttpHeaders carries a header phase payload (request or response side).
type HttpHeaders struct {
	Headers     *HeaderMap
	EndOfStream bool
}

// HttpBody carries a body-chunk phase payload.
type HttpBody struct {
	Body        []byte
	EndOfStream bool
}

// HttpTrailers passes trailers through unexamined.
type HttpTrailers struct {
	Trailers *HeaderMap
}

// RequestPhase discriminates which of the six payload variants a
// ProcessingRequest carries.
type RequestPhase int

const (
	PhaseUnknown RequestPhase = iota
	PhaseRequestHeaders
	PhaseResponseHeaders
	PhaseRequestBody
	PhaseResponseBody
	PhaseRequestTrailers
	PhaseResponseTrailers
)

// ProcessingRequest mirrors envoy.service.ext_proc.v3.ProcessingRequest: a
// tagged union over the phase, accessed via the Which field and the
// matching non-nil pointer.
type ProcessingRequest struct {
	Which RequestPhase

	RequestHeaders   *HttpHeaders
	ResponseHeaders  *HttpHeaders
	RequestBody      *HttpBody
	ResponseBody     *HttpBody
	RequestTrailers  *HttpTrailers
	ResponseTrailers *HttpTrailers
}

// StatusCode mirrors the subset of google.rpc.Code used by ImmediateResponse.
type StatusCode int32

const (
	StatusOK        StatusCode = 0
	StatusForbidden StatusCode = 403
)

// HttpStatus wraps the numeric HTTP status code of an ImmediateResponse.
type HttpStatus struct {
	Code int32
}

// HeadersResponse is the CONTINUE payload for a header phase.
type HeadersResponse struct{}

// BodyResponse is the CONTINUE payload for a body phase.
type BodyResponse struct{}

// TrailersResponse is the CONTINUE payload for a trailers phase; trailers
// pass through unexamined so this carries no fields.
type TrailersResponse struct{}

// ImmediateResponse short-circuits the stream with a response straight to
// the downstream client — used here to return 403 on an infected body.
type ImmediateResponse struct {
	Status  HttpStatus
	Body    []byte
	Details string
}

// ProcessingResponse mirrors envoy.service.ext_proc.v3.ProcessingResponse.
type ProcessingResponse struct {
	RequestHeaders    *HeadersResponse
	ResponseHeaders   *HeadersResponse
	RequestBody       *BodyResponse
	ResponseBody      *BodyResponse
	RequestTrailers   *TrailersResponse
	ResponseTrailers  *TrailersResponse
	ImmediateResponse *ImmediateResponse
}

// ExternalProcessor_ProcessServer is the bidirectional stream handle Envoy's
// ext_proc sidecar dials into; it mirrors the generated grpc.ServerStream
// embedding pattern.
type ExternalProcessor_ProcessServer interface {
	Send(*ProcessingResponse) error
	Recv() (*ProcessingRequest, error)
	grpc.ServerStream
}

// ExternalProcessorServer is the service interface the gateway implements.
type ExternalProcessorServer interface {
	Process(ExternalProcessor_ProcessServer) error
}

// UnimplementedExternalProcessorServer gives embedders forward compatibility
// the way protoc-gen-go-grpc's generated stub does.
type UnimplementedExternalProcessorServer struct{}

func (UnimplementedExternalProcessorServer) Process(ExternalProcessor_ProcessServer) error {
	return nil
}

func processStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ExternalProcessorServer).Process(&externalProcessorProcessServer{stream})
}

type externalProcessorProcessServer struct {
	grpc.ServerStream
}

func (x *externalProcessorProcessServer) Send(m *ProcessingResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *externalProcessorProcessServer) Recv() (*ProcessingRequest, error) {
	m := new(ProcessingRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ExternalProcessor_ServiceDesc mirrors the protoc-gen-go-grpc output for
// envoy.service.ext_proc.v3.ExternalProcessor.
var ExternalProcessor_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "envoy.service.ext_proc.v3.ExternalProcessor",
	HandlerType: (*ExternalProcessorServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Process",
			Handler:       processStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterExternalProcessorServer registers srv on s, the same call shape
// protoc-gen-go-grpc generates.
func RegisterExternalProcessorServer(s grpc.ServiceRegistrar, srv ExternalProcessorServer) {
	s.RegisterService(&ExternalProcessor_ServiceDesc, srv)
}
