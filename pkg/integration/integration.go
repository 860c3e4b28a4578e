package integration

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/luftsport/nif-integration/pkg/config"
	"github.com/luftsport/nif-integration/pkg/eve"
	"github.com/luftsport/nif-integration/pkg/nif"
	"github.com/luftsport/nif-integration/pkg/types"
)

const (
	usersResource = "integration/users"
	orgsResource  = "organizations"

	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordLength   = 12

	// authPollInterval and authCeiling bound the post creation
	// authentication poll. The source takes up to ~180 s before a new
	// user can log in.
	authPollInterval = 10 * time.Second
	authCeiling      = 220 * time.Second
)

var (
	// ErrMultipleActiveUsers means the sink holds more than one active
	// integration user for the same (club, realm), which must never
	// happen.
	ErrMultipleActiveUsers = errors.New("more than one active integration user")

	// ErrAuthTimeout means the provisioned user never became able to
	// authenticate within the ceiling.
	ErrAuthTimeout = errors.New("integration user authentication timed out")
)

// fallbackClubCreated is used when the club's sink record is missing
// its creation date. Well before any change message exists.
var fallbackClubCreated = time.Date(1995, 10, 11, 22, 0, 0, 0, time.UTC)

// Service provisions and resolves per club integration users. Each
// club syncs with its own credential; the platform user creates new
// ones.
type Service struct {
	src      config.Source
	sink     *eve.Client
	loc      *time.Location
	platform *nif.Client
	log      zerolog.Logger
}

// New creates the provisioning service
func New(src config.Source, sink *eve.Client, loc *time.Location, logger zerolog.Logger) *Service {
	return &Service{
		src:      src,
		sink:     sink,
		loc:      loc,
		platform: nif.New(src.BaseURL, src.PlatformUsername(), src.PlatformPassword, src.Realm, loc),
		log:      logger,
	}
}

// Username assembles the composite credential the source expects:
// app_id/function_id/username.
func (s *Service) Username(user *types.IntegrationUser) string {
	return fmt.Sprintf("%s/%d/%s", user.AppID, user.FunctionID, user.Username)
}

// ClientFor builds a source client authenticating as the given
// integration user
func (s *Service) ClientFor(user *types.IntegrationUser) *nif.Client {
	return nif.New(s.src.BaseURL, s.Username(user), user.Password, s.src.Realm, s.loc)
}

// EnsureUser returns the club's active integration user, creating one
// when none exists. Exactly one active user per (club, realm) is
// allowed.
func (s *Service) EnsureUser(ctx context.Context, clubID int) (*types.IntegrationUser, error) {
	log := s.log.With().Int("club_id", clubID).Logger()

	env, err := s.sink.Find(ctx, usersResource, eve.Query{
		Where: map[string]interface{}{
			"club_id": clubID,
			"_active": true,
			"_realm":  s.src.Realm,
		},
		MaxResults: 1000,
	})
	if err != nil && !errors.Is(err, eve.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up integration user: %w", err)
	}

	var found []types.IntegrationUser
	if env != nil {
		for _, raw := range env.Items {
			var u types.IntegrationUser
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, fmt.Errorf("failed to decode integration user: %w", err)
			}
			found = append(found, u)
		}
	}

	switch {
	case len(found) > 1:
		log.Error().Int("count", len(found)).Msg("multiple active integration users")
		return nil, ErrMultipleActiveUsers
	case len(found) == 1:
		user := found[0]
		log.Debug().Str("username", user.Username).Msg("using existing integration user")
		if user.ClubCreated == nil {
			created, name := s.clubDetails(ctx, clubID)
			user.ClubCreated = &created
			user.ClubName = name
		}
		return &user, nil
	}

	log.Debug().Msg("no integration user found, creating")
	return s.create(ctx, clubID)
}

// clubDetails reads the club's creation date and name from the sink,
// with fixed fallbacks when the club is not materialised yet
func (s *Service) clubDetails(ctx context.Context, clubID int) (time.Time, string) {
	var club types.Club
	if err := s.sink.Get(ctx, orgsResource, fmt.Sprintf("%d", clubID), &club); err != nil {
		return fallbackClubCreated, "Unknown name"
	}
	if club.Created.IsZero() || club.Name == "" {
		return fallbackClubCreated, "Unknown name"
	}
	return club.Created, club.Name
}

// create provisions a user on the source and records it in the sink.
// The username pattern is <prefix>-<club id>; the function id binding
// the user to the club is picked from the created user's active
// functions, falling back to the platform function which also works.
func (s *Service) create(ctx context.Context, clubID int) (*types.IntegrationUser, error) {
	log := s.log.With().Int("club_id", clubID).Logger()

	clubCreated, clubName := s.clubDetails(ctx, clubID)
	password, err := GeneratePassword(passwordLength)
	if err != nil {
		return nil, err
	}
	username := fmt.Sprintf("%s-%d", s.src.ClubUsernamePrefix, clubID)

	log.Debug().Str("club", clubName).Str("user", username).Msg("creating integration user")

	created, err := s.platform.CreateIntegrationUser(ctx, nif.CreateUserRequest{
		FirstName: fmt.Sprintf("%s-%d", s.src.ClubFirstNamePrefix, clubID),
		LastName:  "NIF.Connect",
		OrgID:     clubID,
		UserName:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create integration user for club %d: %w", clubID, err)
	}

	functionID := 0
	for _, f := range created.Functions {
		if f.FunctionTypeID == s.src.IntegrationFunctionID && f.ActiveInOrgID == clubID {
			functionID = f.ID
			break
		}
	}
	if functionID == 0 {
		functionID = s.src.PlatformFunctionID
	}

	userID := created.ID
	if userID == 0 {
		userID = created.PersonID
	}

	user := &types.IntegrationUser{
		ID:          userID,
		Username:    username,
		Password:    password,
		AppID:       s.src.ClubAppID,
		FunctionID:  functionID,
		ClubID:      clubID,
		ClubName:    clubName,
		ClubCreated: &clubCreated,
		Realm:       s.src.Realm,
		Active:      true,
	}
	if created.LastChanged != "" {
		if t, err := time.Parse(time.RFC3339, created.LastChanged); err == nil {
			user.Modified = &t
		}
	}

	if err := s.sink.Insert(ctx, usersResource, user, nil); err != nil {
		return nil, fmt.Errorf("failed to store integration user for club %d: %w", clubID, err)
	}

	log.Debug().Str("username", username).Msg("created integration user")
	return user, nil
}

// TestLogin checks whether the user authenticates against the source
func (s *Service) TestLogin(ctx context.Context, user *types.IntegrationUser) bool {
	ok, err := s.ClientFor(user).Hello(ctx)
	if err != nil {
		s.log.Debug().Err(err).Int("club_id", user.ClubID).Msg("hello failed")
		return false
	}
	return ok
}

// WaitAuthenticated polls Hello until the user authenticates, ctx is
// cancelled, or the ceiling is reached
func (s *Service) WaitAuthenticated(ctx context.Context, user *types.IntegrationUser) error {
	deadline := time.Now().Add(authCeiling)
	for {
		if s.TestLogin(ctx, user) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAuthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(authPollInterval):
		}
	}
}

// ActiveClubs lists the active clubs known to the sink
func (s *Service) ActiveClubs(ctx context.Context) ([]types.Club, error) {
	env, err := s.sink.Find(ctx, orgsResource, eve.Query{
		Where:      map[string]interface{}{"type_id": 5, "is_active": true},
		MaxResults: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list clubs: %w", err)
	}

	var clubs []types.Club
	for _, raw := range env.Items {
		var c types.Club
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("failed to decode club: %w", err)
		}
		clubs = append(clubs, c)
	}
	return clubs, nil
}

// GeneratePassword returns a random alphanumeric password
func GeneratePassword(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
