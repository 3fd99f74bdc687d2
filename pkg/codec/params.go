package codec

import (
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// Parameter set identifiers recorded in every artifact header.
// Released sets are never edited; new costs get a new id.
const (
	ParamSetScrypt   = 1
	ParamSetArgon2id = 2

	CurrentParamSet = ParamSetArgon2id
)

type paramSet struct {
	id     int
	name   string
	derive func(password string, salt []byte) []byte
}

var paramSets = map[int]paramSet{
	ParamSetScrypt: {
		id:   ParamSetScrypt,
		name: "scrypt",
		derive: func(password string, salt []byte) []byte {
			// fixed valid parameters, cannot fail
			key, _ := scrypt.Key([]byte(password), salt, 32768, 8, 1, keySize)
			return key
		},
	},
	ParamSetArgon2id: {
		id:   ParamSetArgon2id,
		name: "argon2id",
		derive: func(password string, salt []byte) []byte {
			return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, keySize)
		},
	},
}
