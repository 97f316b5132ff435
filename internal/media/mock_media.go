package media

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) Connect(ctx context.Context, token, roomName string, initialTracks []LocalTrack) (Session, error) {
	args := m.Called(ctx, token, roomName, initialTracks)
	var session Session
	if args.Get(0) != nil {
		session = args.Get(0).(Session)
	}
	return session, args.Error(1)
}

func (m *MockConnector) CreateLocalTrack(kind TrackKind) (LocalTrack, error) {
	args := m.Called(kind)
	var track LocalTrack
	if args.Get(0) != nil {
		track = args.Get(0).(LocalTrack)
	}
	return track, args.Error(1)
}

type MockCredentialProvider struct {
	mock.Mock
}

func (m *MockCredentialProvider) VideoProfile(ctx context.Context) (Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(Credential), args.Error(1)
}
