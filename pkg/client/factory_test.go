package client

import (
	"sync"
	"testing"

	"fedfeeds/pkg/transport/rest"
	"fedfeeds/pkg/transport/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportOf(t *testing.T) {
	tests := []struct {
		uri     string
		want    Transport
		wantErr bool
	}{
		{uri: "http://10.0.0.1:8080/rest", want: TransportREST},
		{uri: "http://feeds.d1:8080/rest/", want: TransportREST},
		{uri: "grpc://10.0.0.1:9090/grpc", want: TransportGRPC},
		{uri: "http://10.0.0.1:8080/soap", wantErr: true},
		{uri: "http://10.0.0.1:8080", wantErr: true},
		{uri: "::", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := TransportOf(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFactorySelectsTransport(t *testing.T) {
	f := NewFactory(nil, nil)
	defer f.Close()

	feeds, err := f.Feeds("http://127.0.0.1:8080/rest")
	require.NoError(t, err)
	assert.IsType(t, &rest.FeedsClient{}, feeds)

	feeds, err = f.Feeds("grpc://127.0.0.1:9090/grpc")
	require.NoError(t, err)
	assert.IsType(t, &rpc.FeedsClient{}, feeds)

	users, err := f.Users("http://127.0.0.1:8080/rest")
	require.NoError(t, err)
	assert.IsType(t, &rest.UsersClient{}, users)

	users, err = f.Users("grpc://127.0.0.1:9090/grpc")
	require.NoError(t, err)
	assert.IsType(t, &rpc.UsersClient{}, users)

	_, err = f.Users("http://127.0.0.1:8080/soap")
	assert.Error(t, err)
}

func TestFactoryCloseDuringFirstGRPCHandles(t *testing.T) {
	f := NewFactory(nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.Feeds("grpc://127.0.0.1:9090/grpc")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.Close())
		}()
	}
	wg.Wait()

	require.NoError(t, f.Close())
	assert.NoError(t, f.Close())

	users, err := f.Users("grpc://127.0.0.1:9090/grpc")
	require.NoError(t, err)
	assert.IsType(t, &rpc.UsersClient{}, users)
	require.NoError(t, f.Close())
}
