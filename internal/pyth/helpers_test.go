package pyth

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/rickgao/pyth-data/internal/solana"
)

// Builders for on-the-wire Pyth account images used across the package
// tests.

func testKey(b byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

func buildAccountData(typ AccountType, version uint32, payload []byte) []byte {
	buf := make([]byte, accountHeaderBytes+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], accountMagic)
	binary.LittleEndian.PutUint32(buf[4:], version)
	binary.LittleEndian.PutUint32(buf[8:], uint32(typ))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(buf)))
	copy(buf[accountHeaderBytes:], payload)
	return buf
}

func accountValue(data []byte) *solana.AccountValue {
	pair, _ := json.Marshal([2]string{base64.StdEncoding.EncodeToString(data), "base64"})
	return &solana.AccountValue{Lamports: 1, Owner: "oracle", Data: pair}
}

func buildMappingPayload(entries []solana.PublicKey, next solana.PublicKey) []byte {
	buf := make([]byte, 8+solana.PublicKeyLength+len(entries)*solana.PublicKeyLength)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(entries)))
	copy(buf[8:], next[:])
	offset := 8 + solana.PublicKeyLength
	for _, e := range entries {
		copy(buf[offset:], e[:])
		offset += solana.PublicKeyLength
	}
	return buf
}

func buildProductPayload(first solana.PublicKey, attrs [][2]string) []byte {
	buf := make([]byte, solana.PublicKeyLength)
	copy(buf, first[:])
	for _, kv := range attrs {
		for _, s := range kv {
			buf = append(buf, byte(len(s)))
			buf = append(buf, s...)
		}
	}
	return buf
}

type priceInfoParams struct {
	price   int64
	conf    uint64
	status  PriceStatus
	pubSlot uint64
}

func putPriceInfo(buf []byte, p priceInfoParams) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(p.price))
	binary.LittleEndian.PutUint64(buf[8:], p.conf)
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.status))
	binary.LittleEndian.PutUint64(buf[24:], p.pubSlot)
}

type componentParams struct {
	publisher     solana.PublicKey
	lastAggregate priceInfoParams
	latest        priceInfoParams
}

type priceV2Params struct {
	priceType     PriceType
	exponent      int32
	numComponents uint32
	lastSlot      uint64
	validSlot     uint64
	derivations   [6]int64
	timestamp     int64
	minPublishers uint8
	maxLatency    uint8
	productKey    solana.PublicKey
	nextKey       solana.PublicKey
	prevSlot      uint64
	prevPrice     int64
	prevConf      uint64
	prevTimestamp int64
	aggregate     priceInfoParams
	components    []componentParams
}

func buildPriceV2Payload(p priceV2Params) []byte {
	buf := make([]byte, 224+(len(p.components)+1)*priceComponentBytes)
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.priceType))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.exponent))
	binary.LittleEndian.PutUint32(buf[8:], p.numComponents)
	binary.LittleEndian.PutUint64(buf[16:], p.lastSlot)
	binary.LittleEndian.PutUint64(buf[24:], p.validSlot)
	for i, d := range p.derivations {
		binary.LittleEndian.PutUint64(buf[32+i*8:], uint64(d))
	}
	binary.LittleEndian.PutUint64(buf[80:], uint64(p.timestamp))
	buf[88] = p.minPublishers
	buf[90] = p.maxLatency
	copy(buf[96:], p.productKey[:])
	copy(buf[128:], p.nextKey[:])
	binary.LittleEndian.PutUint64(buf[160:], p.prevSlot)
	binary.LittleEndian.PutUint64(buf[168:], uint64(p.prevPrice))
	binary.LittleEndian.PutUint64(buf[176:], p.prevConf)
	binary.LittleEndian.PutUint64(buf[184:], uint64(p.prevTimestamp))
	putPriceInfo(buf[192:], p.aggregate)
	offset := 224
	for _, c := range p.components {
		copy(buf[offset:], c.publisher[:])
		putPriceInfo(buf[offset+solana.PublicKeyLength:], c.lastAggregate)
		putPriceInfo(buf[offset+solana.PublicKeyLength+priceInfoBytes:], c.latest)
		offset += priceComponentBytes
	}
	// The trailing null-publisher component terminates the list.
	return buf
}

type priceV1Params struct {
	priceType     PriceType
	exponent      int32
	numComponents uint32
	lastSlot      uint64
	validSlot     uint64
	productKey    solana.PublicKey
	nextKey       solana.PublicKey
	aggregatorKey solana.PublicKey
	aggregate     priceInfoParams
}

func buildPriceV1Payload(p priceV1Params) []byte {
	buf := make([]byte, 128+priceInfoBytes)
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.priceType))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.exponent))
	binary.LittleEndian.PutUint32(buf[8:], p.numComponents)
	binary.LittleEndian.PutUint64(buf[16:], p.lastSlot)
	binary.LittleEndian.PutUint64(buf[24:], p.validSlot)
	copy(buf[32:], p.productKey[:])
	copy(buf[64:], p.nextKey[:])
	copy(buf[96:], p.aggregatorKey[:])
	putPriceInfo(buf[128:], p.aggregate)
	return buf
}
