package relay

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// a token for `AnyRoom` may join every room
const AnyRoom = "*"

var ErrRoomNotAllowed = errors.New("token does not allow room")

type roomClaims struct {
	RoomId string `json:"room_id"`
	gojwt.RegisteredClaims
}

// HS256 token that allows joining `roomId` until `ttl` elapses
func NewRoomToken(secret []byte, roomId string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &roomClaims{
		RoomId: roomId,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// returns the room id the token allows
func ParseRoomToken(secret []byte, tokenStr string) (string, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	claims := &roomClaims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims.RoomId == "" {
		return "", fmt.Errorf("token missing room_id")
	}
	return claims.RoomId, nil
}

func authorizeRoom(secret []byte, tokenStr string, roomId string) error {
	allowedRoomId, err := ParseRoomToken(secret, tokenStr)
	if err != nil {
		return err
	}
	if allowedRoomId != AnyRoom && allowedRoomId != roomId {
		return fmt.Errorf("%w %s", ErrRoomNotAllowed, roomId)
	}
	return nil
}
