// Package sds hand-writes the subset of Envoy's Secret Discovery Service
// protocol (envoy.service.secret.v3) the gateway speaks: on-demand,
// per-SNI TLS certificate delivery over the streaming and delta-xDS
// variants. See pb/extproc for the same hand-written-stub rationale.
package sds

import (
	"google.golang.org/grpc"
)

// DataSource mirrors envoy.config.core.v3.DataSource, inline-bytes variant
// only (the gateway never references a filename or filesystem path).
type DataSource struct {
	InlineBytes []byte
}

// TlsCertificate mirrors envoy.extensions.transport_sockets.tls.v3.TlsCertificate.
type TlsCertificate struct {
	CertificateChain *DataSource
	PrivateKey       *DataSource
}

// Secret mirrors envoy.extensions.transport_sockets.tls.v3.Secret, the
// tls_certificate variant.
type Secret struct {
	Name           string
	TLSCertificate *TlsCertificate
}

// DiscoveryRequest mirrors envoy.service.discovery.v3.DiscoveryRequest.
type DiscoveryRequest struct {
	VersionInfo   string
	ResourceNames []string
	TypeURL       string
	ResponseNonce string
}

// DiscoveryResponse mirrors envoy.service.discovery.v3.DiscoveryResponse.
type DiscoveryResponse struct {
	VersionInfo string
	Resources   []*Secret
	TypeURL     string
	Nonce       string
}

// Resource is one delta-xDS resource update.
type Resource struct {
	Name     string
	Version  string
	Resource *Secret
}

// DeltaDiscoveryRequest mirrors envoy.service.discovery.v3.DeltaDiscoveryRequest.
type DeltaDiscoveryRequest struct {
	TypeURL                string
	ResourceNamesSubscribe []string
	ResponseNonce          string
}

// DeltaDiscoveryResponse mirrors envoy.service.discovery.v3.DeltaDiscoveryResponse.
type DeltaDiscoveryResponse struct {
	SystemVersionInfo string
	Resources         []*Resource
	TypeURL           string
	Nonce             string
}

// SecretDiscoveryService_StreamSecretsServer is the streaming SDS handle.
type SecretDiscoveryService_StreamSecretsServer interface {
	Send(*DiscoveryResponse) error
	Recv() (*DiscoveryRequest, error)
	grpc.ServerStream
}

// SecretDiscoveryService_DeltaSecretsServer is the delta-xDS SDS handle.
type SecretDiscoveryService_DeltaSecretsServer interface {
	Send(*DeltaDiscoveryResponse) error
	Recv() (*DeltaDiscoveryRequest, error)
	grpc.ServerStream
}

// SecretDiscoveryServiceServer is the service interface the gateway implements.
type SecretDiscoveryServiceServer interface {
	StreamSecrets(SecretDiscoveryService_StreamSecretsServer) error
	DeltaSecrets(SecretDiscoveryService_DeltaSecretsServer) error
}

// UnimplementedSecretDiscoveryServiceServer mirrors the generated stub's
// forward-compatibility embed.
type UnimplementedSecretDiscoveryServiceServer struct{}

func (UnimplementedSecretDiscoveryServiceServer) StreamSecrets(SecretDiscoveryService_StreamSecretsServer) error {
	return nil
}

func (UnimplementedSecretDiscoveryServiceServer) DeltaSecrets(SecretDiscoveryService_DeltaSecretsServer) error {
	return nil
}

func streamSecretsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SecretDiscoveryServiceServer).StreamSecrets(&secretDiscoveryServiceStreamSecretsServer{stream})
}

type secretDiscoveryServiceStreamSecretsServer struct {
	grpc.ServerStream
}

func (x *secretDiscoveryServiceStreamSecretsServer) Send(m *DiscoveryResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *secretDiscoveryServiceStreamSecretsServer) Recv() (*DiscoveryRequest, error) {
	m := new(DiscoveryRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func deltaSecretsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SecretDiscoveryServiceServer).DeltaSecrets(&secretDiscoveryServiceDeltaSecretsServer{stream})
}

type secretDiscoveryServiceDeltaSecretsServer struct {
	grpc.ServerStream
}

func (x *secretDiscoveryServiceDeltaSecretsServer) Send(m *DeltaDiscoveryResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *secretDiscoveryServiceDeltaSecretsServer) Recv() (*DeltaDiscoveryRequest, error) {
	m := new(DeltaDiscoveryRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SecretDiscoveryService_ServiceDesc mirrors the protoc-gen-go-grpc output
// for envoy.service.secret.v3.SecretDiscoveryService.
var SecretDiscoveryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "envoy.service.secret.v3.SecretDiscoveryService",
	HandlerType: (*SecretDiscoveryServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSecrets",
			Handler:       streamSecretsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "DeltaSecrets",
			Handler:       deltaSecretsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterSecretDiscoveryServiceServer registers srv on s.
func RegisterSecretDiscoveryServiceServer(s grpc.ServiceRegistrar, srv SecretDiscoveryServiceServer) {
	s.RegisterService(&SecretDiscoveryService_ServiceDesc, srv)
}
