package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// NoiseCipherSuite is the suite used for all LP handshakes:
// Noise_KK_25519_ChaChaPoly_BLAKE2s. KK is usable because both parties
// know each other's static X25519 key before the first Noise message
// (the client's arrives in ClientHello, the server's is published).
var NoiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// noisePrologue binds handshakes to this protocol revision.
const noisePrologue = "lp-gateway/noise/1"

const outerKeyInfo = "lp-outer-aead-v1"

// GenerateStaticKeypair creates a fresh X25519 static keypair.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return NoiseCipherSuite.GenerateKeypair(rand.Reader)
}

// NoiseSession drives one Noise KK handshake and the resulting transport
// ciphers. The outer-AEAD key becomes available at the first-message
// boundary: the initiator derives it after writing message 1, the
// responder after reading it. Everything before that boundary (only
// ClientHello and its Ack) travels without outer encryption.
type NoiseSession struct {
	initiator bool
	hs        *noise.HandshakeState
	salt      [32]byte

	send *noise.CipherState
	recv *noise.CipherState

	outerKey    *OuterKey
	established bool
}

// NewNoiseSession creates a session for one handshake. peerStatic is the
// remote X25519 static public key; salt seeds the outer-key derivation
// and, prefixed by the prologue, binds the handshake to the ClientHello
// that carried it.
func NewNoiseSession(initiator bool, localStatic noise.DHKey, peerStatic []byte, salt [32]byte) (*NoiseSession, error) {
	prologue := append([]byte(noisePrologue), salt[:]...)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   NoiseCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeKK,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: localStatic,
		PeerStatic:    peerStatic,
	})
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	return &NoiseSession{initiator: initiator, hs: hs, salt: salt}, nil
}

// deriveOuterKey derives the outer-AEAD key from the handshake
// transcript hash and the ClientHello salt. Both sides reach an
// identical transcript at the message-1 boundary.
func (s *NoiseSession) deriveOuterKey() error {
	var key OuterKey
	kdf := hkdf.New(sha256.New, s.hs.ChannelBinding(), s.salt[:], []byte(outerKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return errors.Wrap(ErrCryptoFailure, err.Error())
	}
	s.outerKey = &key
	return nil
}

// WriteInitialMessage produces Noise message 1. Initiator only.
func (s *NoiseSession) WriteInitialMessage() ([]byte, error) {
	if !s.initiator || s.outerKey != nil {
		return nil, errors.Wrap(ErrUnexpectedTransition, "initial message already written or wrong role")
	}
	msg, _, _, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	if err := s.deriveOuterKey(); err != nil {
		return nil, err
	}
	return msg, nil
}

// ProcessHandshakeMessage feeds one received Noise message into the
// handshake. It returns the reply to send (nil when the handshake needs
// no further messages from this side) and whether the transport ciphers
// are now established.
func (s *NoiseSession) ProcessHandshakeMessage(msg []byte) (reply []byte, established bool, err error) {
	if s.established {
		return nil, false, errors.Wrap(ErrUnexpectedTransition, "handshake already complete")
	}

	if s.initiator {
		// Message 2 closes the KK exchange for the initiator.
		_, cs1, cs2, err := s.hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, false, errors.Wrap(ErrCryptoFailure, err.Error())
		}
		if cs1 == nil || cs2 == nil {
			return nil, false, errors.Wrap(ErrCryptoFailure, "handshake did not yield transport ciphers")
		}
		s.send, s.recv = cs1, cs2
		s.established = true
		return nil, true, nil
	}

	// Responder: read message 1, answer with message 2. The transport
	// ciphers exist once message 2 is written, but the session is only
	// treated as established after the initiator's encrypted confirm.
	_, _, _, err = s.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, false, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	if err := s.deriveOuterKey(); err != nil {
		return nil, false, err
	}
	reply, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	if cs1 == nil || cs2 == nil {
		return nil, false, errors.Wrap(ErrCryptoFailure, "handshake did not yield transport ciphers")
	}
	s.recv, s.send = cs1, cs2
	return reply, false, nil
}

// ConfirmHandshake marks the responder side established after the
// initiator's confirm message decrypted correctly.
func (s *NoiseSession) ConfirmHandshake(confirm []byte) error {
	if s.initiator || s.send == nil {
		return errors.Wrap(ErrUnexpectedTransition, "confirm before message exchange")
	}
	if _, err := s.DecryptData(confirm); err != nil {
		return err
	}
	s.established = true
	return nil
}

// MakeConfirm produces the initiator's encrypted confirm message.
func (s *NoiseSession) MakeConfirm() ([]byte, error) {
	if !s.initiator || !s.established {
		return nil, errors.Wrap(ErrUnexpectedTransition, "confirm requires an established initiator session")
	}
	return s.EncryptData(nil)
}

// Established reports whether the transport ciphers are in force.
func (s *NoiseSession) Established() bool {
	return s.established
}

// OuterAeadKey returns the outer-AEAD key, or nil before the pre-shared
// key has been injected (i.e. before the message-1 boundary).
func (s *NoiseSession) OuterAeadKey() *OuterKey {
	return s.outerKey
}

// EncryptData encrypts application data with the sending transport
// cipher.
func (s *NoiseSession) EncryptData(plaintext []byte) ([]byte, error) {
	if s.send == nil {
		return nil, errors.Wrap(ErrUnexpectedTransition, "transport cipher not established")
	}
	ct, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, err.Error())
	}
	return ct, nil
}

// DecryptData decrypts application data with the receiving transport
// cipher.
func (s *NoiseSession) DecryptData(ciphertext []byte) ([]byte, error) {
	if s.recv == nil {
		return nil, errors.Wrap(ErrUnexpectedTransition, "transport cipher not established")
	}
	pt, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, errors.Wrap(ErrCryptoFailure, "transport decryption failed")
	}
	return pt, nil
}
