package vault

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: the same bundle always
// serializes to the same bytes before encryption.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so decrypted bundles
// have the same shape as JSON-decoded input. Integers come back as int64
// (big.Int past the int64 range) and text is returned byte for byte, so
// anything encMode writes decodes again.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano

	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("vault: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrBigInt,
		UTF8:           cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("vault: CBOR decoder initialization failed: " + err.Error())
	}
}
