package polymarket

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"pm-arb/pkg/types"
)

// ctfExchange is the Polygon mainnet CTF Exchange contract that verifies
// order signatures.
const ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

// Credentials is the L2 API key triplet returned by /auth/derive-api-key,
// used to HMAC-sign trading requests.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth covers the two Polymarket authentication layers:
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message with the wallet
//     key to derive L2 credentials, and signs each order for the CTF
//     Exchange contract.
//
//   - L2 (HMAC-SHA256): signs "timestamp + method + path [+ body]" with the
//     derived API secret on every trading request.
//
// The funder address may differ from the signing address when orders are
// funded from a proxy wallet.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       int // 0 = EOA
	creds         Credentials
}

// AuthConfig carries wallet and credential settings for NewAuth.
type AuthConfig struct {
	PrivateKey    string // hex, with or without 0x prefix
	FunderAddress string // optional proxy wallet
	ChainID       int64  // 137 mainnet, 80002 amoy
	SignatureType int
	ApiKey        string
	Secret        string
	Passphrase    string
}

// NewAuth parses the wallet key and assembles an Auth.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(cfg.ChainID),
		sigType:       cfg.SignatureType,
		creds: Credentials{
			ApiKey:     cfg.ApiKey,
			Secret:     cfg.Secret,
			Passphrase: cfg.Passphrase,
		},
	}, nil
}

// Address returns the signer's Ethereum address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the funder/proxy wallet address.
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// HasL2Credentials reports whether the L2 triplet is present.
func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials installs L2 credentials after deriving them via L1.
func (a *Auth) SetCredentials(creds Credentials) { a.creds = creds }

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// signClobAuth produces the EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// signedOrder is the on-chain order structure the CLOB expects, amounts as
// base-unit decimal strings.
type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// SignOrder builds and signs an exchange order for one token. The taker is
// the zero address (open order, anyone can fill).
func (a *Auth) SignOrder(tokenID string, side types.Side, price, qty float64, feeRateBps int, expiration int64) (*signedOrder, error) {
	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	makerAmt, takerAmt := amountsFor(side, price, qty)

	sideCode := "0" // BUY
	if side == types.SELL {
		sideCode = "1"
	}

	order := &signedOrder{
		Salt:          salt.String(),
		Maker:         a.funderAddress.Hex(),
		Signer:        a.address.Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(feeRateBps),
		Side:          string(side),
		SignatureType: a.sigType,
	}

	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: ctfExchange,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          sideCode,
			"signatureType": strconv.Itoa(a.sigType),
		},
		"Order",
	)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}
	order.Signature = "0x" + common.Bytes2Hex(sig)

	return order, nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *Auth) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth over
// timestamp + method + path [+ body]. The secret's base64 flavor varies by
// issuance path, so every decoding is tried.
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// usdcScale shifts a human amount into USDC base units (6 decimals).
var usdcScale = decimal.New(1, 6)

// amountsFor converts a price and quantity to base-unit maker/taker amount
// strings. Quantities truncate to 2 decimals and cash amounts to 4, matching
// the exchange's rounding rules.
//
// BUY:  makerAmount = USDC paid, takerAmount = tokens received
// SELL: makerAmount = tokens given, takerAmount = USDC received
func amountsFor(side types.Side, price, qty float64) (makerAmt, takerAmt string) {
	q := decimal.NewFromFloat(qty).Truncate(2)
	cash := q.Mul(decimal.NewFromFloat(price)).Truncate(4)

	tokenUnits := q.Mul(usdcScale).Truncate(0).String()
	cashUnits := cash.Mul(usdcScale).Truncate(0).String()

	if side == types.BUY {
		return cashUnits, tokenUnits
	}
	return tokenUnits, cashUnits
}
