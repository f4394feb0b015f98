package contacts_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/zigazaga4/emailer/internal/contacts"
	"github.com/zigazaga4/emailer/internal/database"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/util"
)

func newStore(t *testing.T) *contacts.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return contacts.New(db.DB)
}

func TestEmailContactsAndLists(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ada, err := store.Add(ctx, models.ChannelEmail, " Ada ", "Ada@Example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	bob, err := store.Add(ctx, models.ChannelEmail, "Bob", "bob@example.com")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(ctx, models.ChannelEmail, "Nope", "not-an-email"); !errors.Is(err, util.ErrInvalidEmail) {
		t.Fatalf("expected invalid email, got %v", err)
	}

	all, err := store.All(ctx, models.ChannelEmail)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].ID != ada || all[0].Name != "Ada" || all[0].Address != "ada@example.com" {
		t.Fatalf("unexpected contacts %+v", all)
	}

	listID, err := store.CreateList(ctx, models.ChannelEmail, "vip", "")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.AddToList(ctx, models.ChannelEmail, listID, bob); err != nil {
			t.Fatalf("add to list: %v", err)
		}
	}

	members, err := store.InList(ctx, models.ChannelEmail, listID)
	if err != nil {
		t.Fatalf("in list: %v", err)
	}
	if len(members) != 1 || members[0].ID != bob {
		t.Fatalf("unexpected members %+v", members)
	}

	list, err := store.List(ctx, models.ChannelEmail, listID)
	if err != nil || list.Name != "vip" || list.Size != 1 {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}
	lists, err := store.Lists(ctx, models.ChannelEmail)
	if err != nil || len(lists) != 1 {
		t.Fatalf("unexpected lists %+v (%v)", lists, err)
	}

	if _, err := store.InList(ctx, models.ChannelEmail, 999); !errors.Is(err, contacts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing list, got %v", err)
	}
}

func TestWhatsAppContactsAreSeparate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, models.ChannelWhatsApp, "Carla", "whatsapp:+44 7700 900123")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	wa, err := store.All(ctx, models.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(wa) != 1 || wa[0].ID != id || wa[0].Address != "+447700900123" {
		t.Fatalf("unexpected whatsapp contacts %+v", wa)
	}
	email, err := store.All(ctx, models.ChannelEmail)
	if err != nil || len(email) != 0 {
		t.Fatalf("expected no email contacts, got %d (%v)", len(email), err)
	}

	if _, err := store.All(ctx, "fax"); !errors.Is(err, util.ErrUnknownChannel) {
		t.Fatalf("expected unknown channel, got %v", err)
	}
}

func TestApplyTemplate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.AddTemplate(ctx, "welcome", "Welcome!", "<p>Hi</p>")
	if err != nil {
		t.Fatalf("add template: %v", err)
	}

	spec := models.MessageSpec{Channel: models.ChannelEmail, TemplateID: &id, Subject: "Custom"}
	if err := store.ApplyTemplate(ctx, &spec); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if spec.Subject != "Custom" || spec.Body != "<p>Hi</p>" || spec.TemplateName != "welcome" {
		t.Fatalf("unexpected spec %+v", spec)
	}

	missing := int64(77)
	if err := store.ApplyTemplate(ctx, &models.MessageSpec{TemplateID: &missing}); !errors.Is(err, contacts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.ApplyTemplate(ctx, &models.MessageSpec{}); err != nil {
		t.Fatalf("no template should be a no-op, got %v", err)
	}
}
