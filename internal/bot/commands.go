package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
	"pitchengine/internal/pipeline"
	"pitchengine/internal/scripts"
)

const welcomeMessage = "Welcome to PitchEngine! Send me a link and I'll write a short pitch for it.\n\n" +
	"/pitch <url> [about you] - import a link and draft scripts\n" +
	"/scripts <id> [about you] - draft new scripts\n" +
	"/select <id> <brief|standard|conversational|your own text>\n" +
	"/voice <voice id> - use a trained voice\n" +
	"/audio <id> - narrate the selected script\n" +
	"/status <id>\n" +
	"/links"

var commandNames = []string{"/pitch", "/scripts", "/select", "/voice", "/audio", "/status", "/links"}

// Pipeline is what the bot drives.
type Pipeline interface {
	ImportLink(ctx context.Context, userID int64, rawURL, title string) (domain.Link, error)
	GetLink(ctx context.Context, linkID string) (domain.Link, error)
	ListLinks(ctx context.Context, userID int64) ([]domain.Link, error)
	GenerateScripts(ctx context.Context, linkID, bio string) (pipeline.Result, error)
	SelectScript(ctx context.Context, linkID string, choice scripts.Choice) (pipeline.Result, error)
	SynthesizeAudio(ctx context.Context, linkID string) (pipeline.Result, error)
	RegisterVoice(ctx context.Context, userID int64, voiceID, name string) (domain.VoiceIdentity, error)
	Status(ctx context.Context, linkID string) (pipeline.Status, error)
}

// Commands turns chat commands into pipeline calls and renders the replies.
type Commands struct {
	p   Pipeline
	log logrus.FieldLogger
}

// NewCommands creates the command set.
func NewCommands(p Pipeline, logger logrus.FieldLogger) *Commands {
	return &Commands{p: p, log: logger}
}

// Run executes one command line for userID and returns the reply text.
func (c *Commands) Run(ctx context.Context, userID int64, text string) string {
	cmd, args := splitCommand(text)
	log := c.log.WithFields(logrus.Fields{"user_id": userID, "command": cmd})
	log.Info("Received command")

	var (
		reply string
		err   error
	)
	switch cmd {
	case "/pitch":
		reply, err = c.pitch(ctx, userID, args)
	case "/scripts":
		reply, err = c.scripts(ctx, userID, args)
	case "/select":
		reply, err = c.selectScript(ctx, userID, args)
	case "/voice":
		reply, err = c.voice(ctx, userID, args)
	case "/audio":
		reply, err = c.audio(ctx, userID, args)
	case "/status":
		reply, err = c.status(ctx, userID, args)
	case "/links":
		reply, err = c.links(ctx, userID)
	default:
		return welcomeMessage
	}
	if err != nil {
		log.WithError(err).Warn("Command failed")
		return failureMessage(err)
	}
	return reply
}

func (c *Commands) pitch(ctx context.Context, userID int64, args string) (string, error) {
	rawURL, bio := splitFirst(args)
	if rawURL == "" {
		return "Usage: /pitch <url> [about you]", nil
	}
	link, err := c.p.ImportLink(ctx, userID, rawURL, "")
	if err != nil {
		return "", err
	}
	res, err := c.p.GenerateScripts(ctx, link.ID, bio)
	if err != nil {
		return fmt.Sprintf("Saved %s as %s, but scripts are not ready yet.\n%s", link.URL, link.ID, failureMessage(err)), nil
	}
	return renderScripts(res), nil
}

func (c *Commands) scripts(ctx context.Context, userID int64, args string) (string, error) {
	linkID, bio := splitFirst(args)
	if _, err := c.owned(ctx, userID, linkID); err != nil {
		return "", err
	}
	res, err := c.p.GenerateScripts(ctx, linkID, bio)
	if err != nil {
		return "", err
	}
	return renderScripts(res), nil
}

func (c *Commands) selectScript(ctx context.Context, userID int64, args string) (string, error) {
	linkID, rest := splitFirst(args)
	if linkID == "" || rest == "" {
		return "Usage: /select <id> <brief|standard|conversational|your own text>", nil
	}
	if _, err := c.owned(ctx, userID, linkID); err != nil {
		return "", err
	}

	choice := scripts.Choice{Text: rest}
	if slot := domain.Slot(strings.ToLower(rest)); slot.Valid() && slot != domain.SlotCustom {
		choice = scripts.Choice{Slot: slot}
	}
	res, err := c.p.SelectScript(ctx, linkID, choice)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Selected:\n%s", res.Link.SelectedScript)
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "\n%s", w.UserMessage())
	}
	if res.Link.Audio != nil && !res.Link.Audio.Fresh() {
		b.WriteString("\nThe old audio no longer matches, send /audio " + linkID + " to narrate this one.")
	}
	return b.String(), nil
}

func (c *Commands) voice(ctx context.Context, userID int64, args string) (string, error) {
	voiceID, name := splitFirst(args)
	if voiceID == "" {
		return "Usage: /voice <voice id> [name]", nil
	}
	v, err := c.p.RegisterVoice(ctx, userID, voiceID, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Voice %s is now active.", v.ID), nil
}

func (c *Commands) audio(ctx context.Context, userID int64, args string) (string, error) {
	linkID, _ := splitFirst(args)
	if _, err := c.owned(ctx, userID, linkID); err != nil {
		return "", err
	}
	res, err := c.p.SynthesizeAudio(ctx, linkID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Audio ready (version %d). State: %s", res.Link.AudioGeneration, res.Link.State), nil
}

func (c *Commands) status(ctx context.Context, userID int64, args string) (string, error) {
	linkID, _ := splitFirst(args)
	if _, err := c.owned(ctx, userID, linkID); err != nil {
		return "", err
	}
	st, err := c.p.Status(ctx, linkID)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("State: %s\nScripts: %s", st.State, st.ScriptState)
	if st.AudioStale {
		msg += "\nAudio is out of date."
	}
	if st.LastFailure != nil {
		msg += fmt.Sprintf("\nLast problem at %s: %s", st.LastFailure.Stage, st.LastFailure.Reason)
	}
	return msg, nil
}

func (c *Commands) links(ctx context.Context, userID int64) (string, error) {
	links, err := c.p.ListLinks(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(links) == 0 {
		return "No links yet. Send me one!", nil
	}
	var b strings.Builder
	for _, l := range links {
		fmt.Fprintf(&b, "%s  %s  %s\n", l.ID, l.State, l.URL)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// owned rejects links that belong to someone else as if they did not exist.
func (c *Commands) owned(ctx context.Context, userID int64, linkID string) (domain.Link, error) {
	if linkID == "" {
		return domain.Link{}, domain.NewError(domain.StageStore, domain.CodeInvalidInput, "link id is missing", nil)
	}
	link, err := c.p.GetLink(ctx, linkID)
	if err != nil {
		return domain.Link{}, err
	}
	if link.UserID != userID {
		return domain.Link{}, domain.NewError(domain.StageStore, domain.CodeNotFound, "link "+linkID, nil)
	}
	return link, nil
}

func renderScripts(res pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scripts for %s (%s):\n", res.Link.URL, res.Link.ID)
	if res.Link.Scripts != nil {
		for _, cand := range res.Link.Scripts.Candidates {
			fmt.Fprintf(&b, "\n[%s] %s\n", cand.Slot, cand.Text)
		}
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "\n%s", w.UserMessage())
	}
	fmt.Fprintf(&b, "\nPick one with /select %s <slot>", res.Link.ID)
	return b.String()
}

func failureMessage(err error) string {
	if pe, ok := domain.AsError(err); ok {
		return pe.UserMessage()
	}
	return "Something went wrong, please try again."
}

// splitCommand separates "/cmd@botname args" into "/cmd" and "args".
func splitCommand(text string) (string, string) {
	cmd, args := splitFirst(text)
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), args
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \n\t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func looksLikeURL(text string) bool {
	first, _ := splitFirst(text)
	return strings.HasPrefix(first, "http://") || strings.HasPrefix(first, "https://")
}
