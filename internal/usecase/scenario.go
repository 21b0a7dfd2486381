package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"paracord-validate/internal/adapter/gateway"
	"paracord-validate/internal/adapter/rest"
	"paracord-validate/internal/adapter/transport"
	"paracord-validate/internal/domain"
	"paracord-validate/internal/infra/config"
	"paracord-validate/internal/infra/tracer"
	"paracord-validate/internal/security"
)

// Convergence polling bounds: federation fan-out across three nodes is
// expected well inside this window on a healthy deployment.
const (
	convergenceTimeout  = 45 * time.Second
	convergenceInterval = time.Second
)

// emojiPNG is a 1x1 transparent PNG, the smallest upload the emoji endpoint
// accepts.
var emojiPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

// Orchestrator drives the full cross-node validation scenario: three users on
// node A generate realtime traffic, gateway dispatches prove local delivery,
// and federation reads from nodes B and C prove convergence. Failures are
// terminal and carry step and node context.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	client *rest.Client
	reader *rest.FederationReader
	signer *transport.Identity // nil when only a read token is configured

	suffix string
	nodes  map[string]*domain.Node

	// Scenario state accumulated as steps run.
	actorToken, guest1Token, guest2Token   string
	guest1ID, guest2ID                     int64
	sessActor, sessGuest1, sessGuest2      *gateway.Session
	guildID, textChannelID, voiceChannelID int64
	messageID, threadID, pollID, emojiID   int64
	roomID                                 string
}

// NewOrchestrator wires an orchestrator from config. The signing seed is
// opened through the keystore, so it may be sealed at rest.
func NewOrchestrator(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	client := rest.NewClient(cfg.HTTP, cfg.InsecureTLS, logger)

	var signer *transport.Identity
	if cfg.Federation.SigningKeyHex != "" {
		seedHex, err := security.OpenSeed(cfg.Federation.SigningKeyHex, passphraseFromEnv())
		if err != nil {
			return nil, fmt.Errorf("open signing seed: %w", err)
		}
		signer, err = transport.NewIdentity(cfg.Federation.ReadOrigin, cfg.Federation.ReadKeyID, seedHex)
		if err != nil {
			return nil, fmt.Errorf("build signing identity: %w", err)
		}
	}

	reader, err := rest.NewFederationReader(client, cfg.Federation.ReadToken, signer, logger)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		client: client,
		reader: reader,
		signer: signer,
		suffix: domain.Suffix(8),
		nodes:  make(map[string]*domain.Node),
	}, nil
}

// Run executes the scenario end to end. The first failing step aborts the
// run; gateway sessions are closed regardless of outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.closeSessions()

	o.logger.Info("validation run starting", "suffix", o.suffix)
	start := time.Now()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"discover", o.stepDiscover},
		{"users.prepare", o.stepPrepareUsers},
		{"gateway.connect", o.stepConnectSessions},
		{"federation.trust", o.stepLinkTrust},
		{"guild.create", o.stepCreateGuild},
		{"guild.join", o.stepJoinGuests},
		{"messages.lifecycle", o.stepMessageLifecycle},
		{"threads.lifecycle", o.stepThreadLifecycle},
		{"polls.lifecycle", o.stepPollLifecycle},
		{"emoji.lifecycle", o.stepEmojiLifecycle},
		{"relationships", o.stepRelationships},
		{"dm.e2ee", o.stepDirectMessage},
		{"settings.patch", o.stepSettingsPatch},
		{"voice.lifecycle", o.stepVoiceLifecycle},
		{"guild.leave", o.stepMemberLeave},
		{"federation.convergence", o.stepConvergence},
		{"security.negatives", o.stepSecurityNegatives},
		{"health.final", o.stepFinalHealth},
	}

	for _, s := range steps {
		if err := o.step(ctx, s.name, s.fn); err != nil {
			return err
		}
	}

	o.logger.Info("validation run passed", "suffix", o.suffix, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// step wraps one scenario step in a span and progress logging.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.StartSpan(ctx, name)
	defer span.End()
	span.SetAttributes(tracer.StringAttr("run.suffix", o.suffix))

	o.logger.Info("step", "name", name)
	if err := fn(ctx); err != nil {
		tracer.RecordError(span, err)
		o.logger.Error("step failed", "name", name, "error", err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

func (o *Orchestrator) closeSessions() {
	for _, s := range []*gateway.Session{o.sessGuest2, o.sessActor, o.sessGuest1} {
		if s != nil {
			s.Close()
		}
	}
}

// --- node discovery and trust -------------------------------------------

func (o *Orchestrator) stepDiscover(ctx context.Context) error {
	for key, nc := range map[string]config.NodeConfig{
		"a": o.cfg.Nodes.A, "b": o.cfg.Nodes.B, "c": o.cfg.Nodes.C,
	} {
		node, err := rest.Discover(ctx, o.client, key, nc.URL)
		if err != nil {
			return err
		}
		o.nodes[key] = node
		o.logger.Info("node resolved", "key", key, "server_name", node.ServerName, "gateway", node.GatewayURL)
	}
	return nil
}

// stepLinkTrust makes the three nodes trust one another: a↔b, b↔c, and c→a
// when the probe signer speaks as node A (its envelopes will land on C too).
func (o *Orchestrator) stepLinkTrust(ctx context.Context) error {
	pairs := [][2]string{{"a", "b"}, {"b", "a"}, {"b", "c"}, {"c", "b"}}
	if o.signer != nil && o.signer.Origin == o.nodes["a"].ServerName {
		pairs = append(pairs, [2]string{"c", "a"})
	}
	for _, pair := range pairs {
		on, peer := o.nodes[pair[0]], o.nodes[pair[1]]
		_, _, err := o.client.RequestJSON(ctx, http.MethodPost, on.URL+"/admin/federation/peers",
			map[string]any{"server_name": peer.ServerName},
			rest.Options{Token: o.adminToken(pair[0]), Expected: []int{200, 201, 204, 409}})
		if err != nil {
			return domain.NewValidationError("federation.trust", pair[0], err,
				fmt.Sprintf("trusting %s", peer.ServerName))
		}
	}
	return nil
}

func (o *Orchestrator) adminToken(key string) string {
	switch key {
	case "a":
		return o.cfg.Nodes.A.AdminToken
	case "b":
		return o.cfg.Nodes.B.AdminToken
	default:
		return o.cfg.Nodes.C.AdminToken
	}
}

// --- users and sessions --------------------------------------------------

// stepPrepareUsers resolves the three personas: the actor defaults to node
// A's admin identity, guests are registered fresh unless tokens were
// supplied.
func (o *Orchestrator) stepPrepareUsers(ctx context.Context) error {
	o.actorToken = o.cfg.Auth.ActorToken
	if o.actorToken == "" {
		o.actorToken = o.cfg.Nodes.A.AdminToken
	}

	var err error
	o.guest1Token, o.guest1ID, err = o.resolveGuest(ctx, o.cfg.Auth.Guest1Token, "fedval-"+o.suffix+"-g1")
	if err != nil {
		return err
	}
	o.guest2Token, o.guest2ID, err = o.resolveGuest(ctx, o.cfg.Auth.Guest2Token, "fedval-"+o.suffix+"-g2")
	if err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) resolveGuest(ctx context.Context, token, username string) (string, int64, error) {
	a := o.nodes["a"]
	if token != "" {
		_, body, err := o.client.RequestJSON(ctx, http.MethodGet, a.URL+"/users/@me", nil,
			rest.Options{Token: token, Expected: []int{200}})
		if err != nil {
			return "", 0, domain.NewValidationError("users.prepare", "a", err, "supplied guest token rejected")
		}
		id, err := jsonID(body, "id")
		if err != nil {
			return "", 0, err
		}
		return token, id, nil
	}

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, a.URL+"/auth/register",
		map[string]any{"username": username, "password": o.cfg.Auth.Password},
		rest.Options{Expected: []int{200, 201}})
	if err != nil {
		return "", 0, domain.NewValidationError("users.prepare", "a", err, "registering "+username)
	}

	var reg struct {
		Token string          `json:"token"`
		User  json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &reg); err != nil || reg.Token == "" {
		return "", 0, domain.NewValidationError("users.prepare", "a", domain.ErrUnexpectedStatus,
			"register response carries no token")
	}
	id, err := jsonID(reg.User, "id")
	if err != nil {
		return "", 0, err
	}
	o.logger.Info("guest registered", "username", username, "id", id)
	return reg.Token, id, nil
}

// stepConnectSessions opens the three gateway sessions in the same order the
// scenario consumes them: guest2 first (it only observes), then the actor,
// then guest1.
func (o *Orchestrator) stepConnectSessions(ctx context.Context) error {
	a := o.nodes["a"]
	open := func(name, token string) (*gateway.Session, error) {
		s := gateway.NewSession(name, a.GatewayURL, token, o.logger,
			gateway.WithOrigin(o.cfg.Gateway.Origin),
			gateway.WithInsecureTLS(o.cfg.InsecureTLS),
			gateway.WithConnectTimeout(o.cfg.Gateway.ConnectTimeout),
			gateway.WithReadyTimeout(o.cfg.Gateway.ReadyTimeout),
		)
		if err := s.Connect(ctx); err != nil {
			return nil, domain.NewValidationError("gateway.connect", "a", err, "session "+name)
		}
		return s, nil
	}

	var err error
	if o.sessGuest2, err = open("guest2", o.guest2Token); err != nil {
		return err
	}
	if o.sessActor, err = open("actor", o.actorToken); err != nil {
		return err
	}
	if o.sessGuest1, err = open("guest1", o.guest1Token); err != nil {
		return err
	}
	return nil
}

// --- guild setup ---------------------------------------------------------

func (o *Orchestrator) stepCreateGuild(ctx context.Context) error {
	a := o.nodes["a"]

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, a.URL+"/guilds",
		map[string]any{"name": "fedval-" + o.suffix},
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("guild.create", "a", err, "")
	}
	if o.guildID, err = jsonID(body, "id"); err != nil {
		return err
	}
	o.roomID = a.RoomID(o.guildID)

	guildURL := a.URL + "/guilds/" + strconv.FormatInt(o.guildID, 10)
	for _, ch := range []struct {
		kind string
		dst  *int64
	}{
		{"text", &o.textChannelID},
		{"voice", &o.voiceChannelID},
	} {
		_, body, err := o.client.RequestJSON(ctx, http.MethodPost, guildURL+"/channels",
			map[string]any{"name": ch.kind + "-" + o.suffix, "type": ch.kind},
			rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
		if err != nil {
			return domain.NewValidationError("guild.create", "a", err, ch.kind+" channel")
		}
		if *ch.dst, err = jsonID(body, "id"); err != nil {
			return err
		}
	}
	o.logger.Info("guild ready", "guild_id", o.guildID, "room_id", o.roomID)
	return nil
}

// stepJoinGuests invites both guests and watches the actor's session for the
// matching GUILD_MEMBER_ADD dispatches.
func (o *Orchestrator) stepJoinGuests(ctx context.Context) error {
	a := o.nodes["a"]
	guildURL := a.URL + "/guilds/" + strconv.FormatInt(o.guildID, 10)

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, guildURL+"/invites", map[string]any{},
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("guild.join", "a", err, "creating invite")
	}
	var invite struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &invite); err != nil || invite.Code == "" {
		return domain.NewValidationError("guild.join", "a", domain.ErrUnexpectedStatus, "invite response carries no code")
	}

	for _, guest := range []struct {
		token string
		id    int64
	}{
		{o.guest1Token, o.guest1ID},
		{o.guest2Token, o.guest2ID},
	} {
		_, _, err := o.client.RequestJSON(ctx, http.MethodPost, a.URL+"/invites/"+invite.Code+"/join", nil,
			rest.Options{Token: guest.token, Expected: []int{200, 201, 204}})
		if err != nil {
			return domain.NewValidationError("guild.join", "a", err, "")
		}
		if _, err := o.sessActor.WaitForDispatch(ctx, "GUILD_MEMBER_ADD",
			o.memberPredicate(guest.id), o.cfg.Gateway.DispatchTimeout); err != nil {
			return domain.NewValidationError("guild.join", "a", err,
				fmt.Sprintf("member add for user %d", guest.id))
		}
	}
	return nil
}

func (o *Orchestrator) memberPredicate(userID int64) gateway.Predicate {
	want := strconv.FormatInt(userID, 10)
	return func(d map[string]any) bool {
		return payloadID(d, "user_id") == want || payloadID(nested(d, "user"), "id") == want
	}
}

// --- message, thread, poll, emoji lifecycles -----------------------------

// stepMessageLifecycle runs a message through create, edit, react, unreact
// and delete, asserting guest1 observes each transition in realtime.
func (o *Orchestrator) stepMessageLifecycle(ctx context.Context) error {
	a := o.nodes["a"]
	chURL := a.URL + "/channels/" + strconv.FormatInt(o.textChannelID, 10)

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, chURL+"/messages",
		map[string]any{"content": "fedval ping " + o.suffix},
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "create")
	}
	if o.messageID, err = jsonID(body, "id"); err != nil {
		return err
	}
	msgURL := chURL + "/messages/" + strconv.FormatInt(o.messageID, 10)
	byID := o.idPredicate("id", o.messageID)
	byMessageID := o.idPredicate("message_id", o.messageID)

	if _, err := o.sessGuest1.WaitForDispatch(ctx, "MESSAGE_CREATE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "realtime create")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodPatch, msgURL,
		map[string]any{"content": "fedval ping " + o.suffix + " (edited)"},
		rest.Options{Token: o.actorToken, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "edit")
	}
	if _, err := o.sessGuest1.WaitForDispatch(ctx, "MESSAGE_UPDATE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "realtime edit")
	}

	reactionURL := msgURL + "/reactions/%F0%9F%91%8D/@me" // 👍
	if _, _, err := o.client.RequestJSON(ctx, http.MethodPut, reactionURL, nil,
		rest.Options{Token: o.guest1Token, Expected: []int{200, 201, 204}}); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "react")
	}
	if _, err := o.sessActor.WaitForDispatch(ctx, "MESSAGE_REACTION_ADD", byMessageID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "realtime reaction")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodDelete, reactionURL, nil,
		rest.Options{Token: o.guest1Token, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "unreact")
	}
	if _, err := o.sessActor.WaitForDispatch(ctx, "MESSAGE_REACTION_REMOVE", byMessageID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "realtime reaction removal")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodDelete, msgURL, nil,
		rest.Options{Token: o.actorToken, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "delete")
	}
	if _, err := o.sessGuest1.WaitForDispatch(ctx, "MESSAGE_DELETE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("messages.lifecycle", "a", err, "realtime delete")
	}
	return nil
}

func (o *Orchestrator) stepThreadLifecycle(ctx context.Context) error {
	a := o.nodes["a"]
	chURL := a.URL + "/channels/" + strconv.FormatInt(o.textChannelID, 10)

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, chURL+"/threads",
		map[string]any{"name": "thread-" + o.suffix},
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "create")
	}
	if o.threadID, err = jsonID(body, "id"); err != nil {
		return err
	}
	byID := o.idPredicate("id", o.threadID)
	threadURL := a.URL + "/channels/" + strconv.FormatInt(o.threadID, 10)

	if _, err := o.sessGuest1.WaitForDispatch(ctx, "THREAD_CREATE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "realtime create")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodPatch, threadURL,
		map[string]any{"name": "thread-" + o.suffix + "-renamed"},
		rest.Options{Token: o.actorToken, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "rename")
	}
	if _, err := o.sessGuest1.WaitForDispatch(ctx, "THREAD_UPDATE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "realtime rename")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodDelete, threadURL, nil,
		rest.Options{Token: o.actorToken, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "delete")
	}
	if _, err := o.sessGuest1.WaitForDispatch(ctx, "THREAD_DELETE", byID, o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("threads.lifecycle", "a", err, "realtime delete")
	}
	return nil
}

func (o *Orchestrator) stepPollLifecycle(ctx context.Context) error {
	a := o.nodes["a"]
	chURL := a.URL + "/channels/" + strconv.FormatInt(o.textChannelID, 10)

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, chURL+"/polls",
		map[string]any{
			"question": "does federation hold? " + o.suffix,
			"answers":  []string{"yes", "also yes"},
		},
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("polls.lifecycle", "a", err, "create")
	}
	if o.pollID, err = jsonID(body, "id"); err != nil {
		return err
	}

	voteURL := a.URL + "/polls/" + strconv.FormatInt(o.pollID, 10) + "/answers/1/vote"
	if _, _, err := o.client.RequestJSON(ctx, http.MethodPut, voteURL, nil,
		rest.Options{Token: o.guest1Token, Expected: []int{200, 201, 204}}); err != nil {
		return domain.NewValidationError("polls.lifecycle", "a", err, "vote")
	}
	if _, err := o.sessActor.WaitForDispatch(ctx, "POLL_VOTE_ADD",
		o.idPredicate("poll_id", o.pollID), o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("polls.lifecycle", "a", err, "realtime vote")
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodDelete, voteURL, nil,
		rest.Options{Token: o.guest1Token, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("polls.lifecycle", "a", err, "vote removal")
	}
	return nil
}

func (o *Orchestrator) stepEmojiLifecycle(ctx context.Context) error {
	a := o.nodes["a"]
	emojiURL := a.URL + "/guilds/" + strconv.FormatInt(o.guildID, 10) + "/emojis"

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("name", "fedval_"+o.suffix); err != nil {
		return fmt.Errorf("build emoji form: %w", err)
	}
	part, err := w.CreateFormFile("image", "emoji.png")
	if err != nil {
		return fmt.Errorf("build emoji form: %w", err)
	}
	if _, err := part.Write(emojiPNG); err != nil {
		return fmt.Errorf("build emoji form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build emoji form: %w", err)
	}

	_, body, err := o.client.Upload(ctx, emojiURL, w.FormDataContentType(), buf.Bytes(),
		rest.Options{Token: o.actorToken, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("emoji.lifecycle", "a", err, "upload")
	}
	if o.emojiID, err = jsonID(body, "id"); err != nil {
		return err
	}

	if _, _, err := o.client.RequestJSON(ctx, http.MethodDelete,
		emojiURL+"/"+strconv.FormatInt(o.emojiID, 10), nil,
		rest.Options{Token: o.actorToken, Expected: []int{200, 204}}); err != nil {
		return domain.NewValidationError("emoji.lifecycle", "a", err, "delete")
	}
	return nil
}

// --- social surface ------------------------------------------------------

// stepRelationships sends a friend request from guest1 to guest2 and has
// guest2 accept it.
func (o *Orchestrator) stepRelationships(ctx context.Context) error {
	a := o.nodes["a"]

	_, _, err := o.client.RequestJSON(ctx, http.MethodPost, a.URL+"/users/@me/relationships",
		map[string]any{"user_id": o.guest2ID},
		rest.Options{Token: o.guest1Token, Expected: []int{200, 201, 204}})
	if err != nil {
		return domain.NewValidationError("relationships", "a", err, "request")
	}

	_, _, err = o.client.RequestJSON(ctx, http.MethodPut,
		a.URL+"/users/@me/relationships/"+strconv.FormatInt(o.guest1ID, 10),
		map[string]any{"status": "accepted"},
		rest.Options{Token: o.guest2Token, Expected: []int{200, 204}})
	if err != nil {
		return domain.NewValidationError("relationships", "a", err, "accept")
	}
	return nil
}

// stepDirectMessage opens a DM channel and sends an E2EE-shaped payload:
// opaque ciphertext fields the server must relay without understanding.
func (o *Orchestrator) stepDirectMessage(ctx context.Context) error {
	a := o.nodes["a"]

	_, body, err := o.client.RequestJSON(ctx, http.MethodPost, a.URL+"/users/@me/channels",
		map[string]any{"recipient_id": o.guest2ID},
		rest.Options{Token: o.guest1Token, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("dm.e2ee", "a", err, "open channel")
	}
	dmID, err := jsonID(body, "id")
	if err != nil {
		return err
	}

	_, _, err = o.client.RequestJSON(ctx, http.MethodPost,
		a.URL+"/channels/"+strconv.FormatInt(dmID, 10)+"/messages",
		map[string]any{
			"content":    "",
			"encrypted":  true,
			"algorithm":  "m.megolm.v1",
			"ciphertext": base64.StdEncoding.EncodeToString([]byte("fedval-opaque-" + o.suffix)),
		},
		rest.Options{Token: o.guest1Token, Expected: []int{200, 201}})
	if err != nil {
		return domain.NewValidationError("dm.e2ee", "a", err, "send")
	}
	return nil
}

func (o *Orchestrator) stepSettingsPatch(ctx context.Context) error {
	_, _, err := o.client.RequestJSON(ctx, http.MethodPatch, o.nodes["a"].URL+"/users/@me/settings",
		map[string]any{"theme": "dark", "status_text": "validating " + o.suffix},
		rest.Options{Token: o.guest1Token, Expected: []int{200, 204}})
	if err != nil {
		return domain.NewValidationError("settings.patch", "a", err, "")
	}
	return nil
}

// stepVoiceLifecycle joins the voice channel, toggles a stream, and leaves.
// Media itself is out of scope; the signaling surface is what federates.
func (o *Orchestrator) stepVoiceLifecycle(ctx context.Context) error {
	a := o.nodes["a"]
	voiceURL := a.URL + "/channels/" + strconv.FormatInt(o.voiceChannelID, 10) + "/voice"

	for _, action := range []string{"join", "stream", "stream/stop", "leave"} {
		_, _, err := o.client.RequestJSON(ctx, http.MethodPost, voiceURL+"/"+action, nil,
			rest.Options{Token: o.guest1Token, Expected: []int{200, 201, 204}})
		if err != nil {
			return domain.NewValidationError("voice.lifecycle", "a", err, action)
		}
	}
	return nil
}

// stepMemberLeave removes guest2 and waits for the departure dispatch.
func (o *Orchestrator) stepMemberLeave(ctx context.Context) error {
	a := o.nodes["a"]

	_, _, err := o.client.RequestJSON(ctx, http.MethodDelete,
		a.URL+"/guilds/"+strconv.FormatInt(o.guildID, 10)+"/members/@me", nil,
		rest.Options{Token: o.guest2Token, Expected: []int{200, 204}})
	if err != nil {
		return domain.NewValidationError("guild.leave", "a", err, "")
	}
	if _, err := o.sessActor.WaitForDispatch(ctx, "GUILD_MEMBER_REMOVE",
		o.memberPredicate(o.guest2ID), o.cfg.Gateway.DispatchTimeout); err != nil {
		return domain.NewValidationError("guild.leave", "a", err,
			fmt.Sprintf("member remove for user %d", o.guest2ID))
	}
	return nil
}

// --- convergence and negatives -------------------------------------------

// stepConvergence asserts every federated mutation from the scenario is
// visible in the event logs of nodes B and C.
func (o *Orchestrator) stepConvergence(ctx context.Context) error {
	matches := []domain.EventMatch{
		{EventType: "m.member.join", UserID: o.guest1ID},
		{EventType: "m.member.join", UserID: o.guest2ID},
		{EventType: "m.message", MessageID: o.messageID},
		{EventType: "m.message.edit", MessageID: o.messageID},
		{EventType: "m.reaction.add", MessageID: o.messageID, Emoji: "👍"},
		{EventType: "m.reaction.remove", MessageID: o.messageID, Emoji: "👍"},
		{EventType: "m.message.delete", MessageID: o.messageID},
		{EventType: "m.member.leave", UserID: o.guest2ID},
	}

	for _, key := range []string{"b", "c"} {
		node := o.nodes[key]
		for _, m := range matches {
			m := m
			desc := fmt.Sprintf("%s on node %s", m.EventType, key)
			err := WaitUntil(ctx, o.logger, desc, func(ctx context.Context) (bool, error) {
				events, err := o.reader.ReadEvents(ctx, node, o.roomID, 0)
				if err != nil {
					return false, err
				}
				return m.AnyMatches(events), nil
			}, convergenceTimeout, convergenceInterval)
			if err != nil {
				return domain.NewValidationError("federation.convergence", key, err, m.EventType)
			}
			o.logger.Info("converged", "node", key, "event_type", m.EventType)
		}
	}
	return nil
}

func (o *Orchestrator) stepSecurityNegatives(ctx context.Context) error {
	if o.cfg.SkipSecurityNegatives {
		o.logger.Warn("security negative probes skipped by config")
		return nil
	}
	if o.signer == nil {
		o.logger.Warn("security negative probes skipped: no signing identity configured")
		return nil
	}
	return NewNegativeProbes(o.client, o.signer, o.logger).Run(ctx, o.nodes["b"])
}

func (o *Orchestrator) stepFinalHealth(ctx context.Context) error {
	for _, key := range []string{"a", "b", "c"} {
		node := o.nodes[key]
		_, _, err := o.client.RequestJSON(ctx, http.MethodGet, node.URL+"/health", nil,
			rest.Options{Expected: []int{200}})
		if err != nil {
			return domain.NewValidationError("health.final", key, err, "node unhealthy after run")
		}
	}
	return nil
}

// --- helpers -------------------------------------------------------------

// jsonID extracts a numeric identifier that servers serialize as either a
// JSON number or a string.
func jsonID(body []byte, field string) (int64, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return 0, fmt.Errorf("parse response: %w", err)
	}
	raw, ok := m[field]
	if !ok {
		return 0, fmt.Errorf("response carries no %q field", field)
	}
	s := string(bytes.Trim(raw, `"`))
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q as id: %w", s, err)
	}
	return id, nil
}

// idPredicate matches a dispatch payload whose field equals the given id,
// tolerating number or string serialization.
func (o *Orchestrator) idPredicate(field string, id int64) gateway.Predicate {
	want := strconv.FormatInt(id, 10)
	return func(d map[string]any) bool {
		return payloadID(d, field) == want
	}
}

// payloadID normalizes a payload field to its string form.
func payloadID(d map[string]any, field string) string {
	switch v := d[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// nested returns a child object of a payload, or an empty map.
func nested(d map[string]any, field string) map[string]any {
	if m, ok := d[field].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func passphraseFromEnv() string {
	return os.Getenv("PARAVAL_KEY_PASSPHRASE")
}
