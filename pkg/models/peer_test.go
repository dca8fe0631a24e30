package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"
)

// PeerDescriptorTestSuite tests decoding of registry peer lists
type PeerDescriptorTestSuite struct {
	suite.Suite
}

// TestDecodeMixedList checks object and URL entries decode side by side
func (s *PeerDescriptorTestSuite) TestDecodeMixedList() {
	body := `[
		{"node_id": "a", "ip": "10.0.0.2", "port": 7520, "load": 0.25},
		"http://203.0.113.9:7600/run",
		{"ip": "192.168.1.4", "port": 7521}
	]`

	var peers []PeerDescriptor
	s.Require().NoError(json.Unmarshal([]byte(body), &peers))
	s.Require().Len(peers, 3)

	s.Equal("a", peers[0].NodeID)
	s.Require().NotNil(peers[0].Load)
	s.Equal(0.25, *peers[0].Load)

	s.Equal("203.0.113.9", peers[1].IP)
	s.Equal(7600, peers[1].Port)
	s.Nil(peers[1].Load)

	s.Equal("192.168.1.4", peers[2].IP)
	s.Nil(peers[2].Load)
}

// TestDecodeInvalidURL checks URL entries without a port are rejected
func (s *PeerDescriptorTestSuite) TestDecodeInvalidURL() {
	var peers []PeerDescriptor
	err := json.Unmarshal([]byte(`["http://10.0.0.1/run"]`), &peers)
	s.ErrorIs(err, ErrInvalidPeerDescriptor)

	err = json.Unmarshal([]byte(`["not a url"]`), &peers)
	s.Error(err)
}

// TestRegisterDescriptor checks the registration conversion
func (s *PeerDescriptorTestSuite) TestRegisterDescriptor() {
	load := 0.4
	req := RegisterRequest{NodeID: "n1", IP: "10.1.1.1", Port: 9000, Load: &load}

	desc := req.Descriptor()
	s.Equal("n1", desc.NodeID)
	s.Equal("10.1.1.1", desc.IP)
	s.Equal(9000, desc.Port)
	s.Equal(&load, desc.Load)
}

func TestPeerDescriptorSuite(t *testing.T) {
	suite.Run(t, new(PeerDescriptorTestSuite))
}
