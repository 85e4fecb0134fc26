package paymentreq

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nutwallet/cashu"
)

const nip19Profile = "nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p"

func TestDecodeProfileVector(t *testing.T) {
	p, err := DecodeProfile(nip19Profile)
	require.NoError(t, err)
	require.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", p.PubKey)
	require.Equal(t, []string{"wss://r.x.com", "wss://djbas.sadkb.com"}, p.Relays)

	encoded, err := EncodeProfile(p)
	require.NoError(t, err)
	require.Equal(t, nip19Profile, encoded)
}

func TestProfileRejectsMalformedInput(t *testing.T) {
	_, err := EncodeProfile(Profile{PubKey: "abcd"})
	require.True(t, errors.Is(err, ErrInvalidProfile))

	_, err = DecodeProfile("npub1qqqqqqqq")
	require.True(t, errors.Is(err, ErrInvalidProfile))

	corrupted := nip19Profile[:len(nip19Profile)-1] + "q"
	_, err = DecodeProfile(corrupted)
	require.True(t, errors.Is(err, ErrInvalidProfile))
}

func TestRequestEncodeDecode(t *testing.T) {
	profile, err := EncodeProfile(Profile{
		PubKey: strings.Repeat("ab", 32),
		Relays: []string{"wss://relay.example.com"},
	})
	require.NoError(t, err)
	req := Request{
		ID:          "b7a90176",
		Amount:      10,
		Unit:        cashu.DefaultUnit,
		SingleUse:   true,
		Mints:       []string{"https://mint.example.com"},
		Description: "coffee",
		Transports: []Transport{
			{Type: TransportNostr, Target: profile, Tags: [][]string{{"n", "17"}}},
			{Type: TransportPost, Target: "https://pay.example.com/cb"},
		},
	}
	encoded, err := Encode(req)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, Prefix))

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	unpadded := strings.TrimRight(encoded, "=")
	decoded, err = Decode(unpadded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	again, err := Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, encoded, again)
}

func TestDecodeRejectsInvalidRequests(t *testing.T) {
	_, err := Decode("creqB" + "AAAA")
	require.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = Decode(Prefix + "!!!")
	require.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = Encode(Request{Transports: []Transport{{Type: TransportPost, Target: "ftp://x"}}})
	require.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = Encode(Request{Transports: []Transport{{Type: TransportNostr, Target: "npub1xyz"}}})
	require.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestAcceptsMint(t *testing.T) {
	open := Request{}
	require.True(t, open.AcceptsMint(cashu.MustIssuerURL("https://any.example.com")))

	restricted := Request{Mints: []string{"https://mint.example.com/"}}
	require.True(t, restricted.AcceptsMint(cashu.MustIssuerURL("https://mint.example.com")))
	require.False(t, restricted.AcceptsMint(cashu.MustIssuerURL("https://other.example.com")))
}
