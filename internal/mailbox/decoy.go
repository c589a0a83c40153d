package mailbox

import (
	"crypto/rand"
	mrand "math/rand/v2"
)

// chaffSizes are the fixed size buckets decoy ciphertext is drawn from.
// Real envelopes cluster in the same buckets, so size alone does not
// separate chaff from traffic.
var chaffSizes = []int{256, 1024, 4096, 16384}

// decoyFetchCount picks how many decoy queries follow an empty fetch.
// Always at least one, at most three, so the request count itself
// carries no signal.
func decoyFetchCount() int {
	return 1 + mrand.IntN(3)
}

// randomChaff returns random bytes sized to one of the chaff buckets.
// The content comes from the CSPRNG so it is indistinguishable from
// real AEAD ciphertext.
func randomChaff() ([]byte, error) {
	size := chaffSizes[mrand.IntN(len(chaffSizes))]
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
