// Package worker runs the background notification delivery loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/config"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/pkg/logging"
)

const (
	lockKey = "notifier:cycle"
	// Moscow offset used in the Russian expiry text.
	mskOffset = 3 * time.Hour

	minInterval = time.Second
)

// releaseLock deletes the cycle lock only while it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Message is one chat message. ButtonURL, when set, is attached as a
// web-app button labelled ButtonText.
type Message struct {
	ChatID     int64
	Text       string
	ButtonText string
	ButtonURL  string
}

// Sender delivers HTML messages to a chat.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Notifier struct {
	DB            *gorm.DB
	Redis         *redis.Client
	Notifications *notification.Service
	Senders       map[models.SocialName]Sender

	cfg           config.NotifierConfig
	webAppURL     string
	superuserChat int64
	now           func() time.Time
}

// NewNotifier builds a notifier; rdb may be nil, in which case cycles are
// not locked across replicas.
func NewNotifier(db *gorm.DB, rdb *redis.Client, senders map[models.SocialName]Sender, cfg *config.Config) *Notifier {
	nc := cfg.Notifier
	if nc.Interval < minInterval {
		logging.Infof("Notifier interval %s is too short, using %s", nc.Interval, minInterval)
		nc.Interval = minInterval
	}
	return &Notifier{
		DB:            db,
		Redis:         rdb,
		Notifications: notification.NewService(db),
		Senders:       senders,
		cfg:           nc,
		webAppURL:     cfg.WebAppURL,
		superuserChat: cfg.TelegramSuperuser,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	logging.Infof("Notification worker started, interval %s", n.cfg.Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Infof("Notification worker stopped")
			return nil
		case <-timer.C:
			if err := n.RunOnce(ctx); err != nil {
				logging.Errorf("Notification cycle failed: %v", err)
			}
			timer.Reset(n.cfg.Interval)
		}
	}
}

// RunOnce performs a single delivery cycle.
func (n *Notifier) RunOnce(ctx context.Context) error {
	token, locked, err := n.lock(ctx)
	if err != nil {
		return err
	}
	if !locked {
		logging.Debugf("Another notifier holds the cycle lock, skipping")
		return nil
	}
	defer n.unlock(ctx, token)

	now := n.now()

	created, err := n.scanExpiring(ctx, now)
	if err != nil {
		return err
	}
	if created > 0 {
		logging.Infof("Created %d expiry notifications", created)
	}

	batch, err := n.fetch(ctx, now)
	if err != nil {
		return err
	}

	sent := map[models.SocialName][]uuid.UUID{}
	var failed []failure
	for _, p := range batch {
		if err := n.deliver(ctx, p); err != nil {
			failed = append(failed, failure{id: p.ID, err: err})
			continue
		}
		sent[p.SocialName] = append(sent[p.SocialName], p.ID)
	}

	if err := n.markSent(ctx, now, sent); err != nil {
		return err
	}
	for _, f := range failed {
		n.escalate(ctx, f)
	}

	removed, err := n.Notifications.Cleanup(ctx, now, n.cfg.Retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		logging.Infof("Removed %d old notifications", removed)
	}
	return nil
}

// scanExpiring inserts one expire_config notification for every config that
// expires within the lookahead and has not been warned about yet.
func (n *Notifier) scanExpiring(ctx context.Context, now time.Time) (int, error) {
	var configs []models.Config
	err := n.DB.WithContext(ctx).
		Where("valid_to BETWEEN ? AND ?", now, now.Add(n.cfg.ExpiryLookahead)).
		Where(`NOT EXISTS (SELECT 1 FROM notifications
			WHERE notifications.request_name = ?
			AND notifications.related_name = ?
			AND notifications.related_id = configs.id)`,
			models.RequestExpireConfig, models.RelatedConfig).
		Find(&configs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan expiring configs: %w", err)
	}

	for _, cfg := range configs {
		_, err := n.Notifications.CreateUserNotification(ctx, notification.Spec{
			UserID:        cfg.UserID,
			RequestName:   models.RequestExpireConfig,
			RequestStatus: models.RequestStatusNew,
			RelatedName:   models.RelatedConfig,
			RelatedID:     cfg.ID,
			Title:         models.NewLocaleText("Config expiring soon", "Конфигурация скоро истечет"),
			Content:       expiryContent(cfg),
		})
		if err != nil {
			return 0, err
		}
	}
	return len(configs), nil
}

func expiryContent(cfg models.Config) models.LocaleText {
	const layout = "02.01.2006 15:04"
	validTo := cfg.ValidTo.UTC()
	return models.NewLocaleText(
		fmt.Sprintf("Your %s config expires in %s UTC +00:00. Please renew it.", cfg.Type, validTo.Format(layout)),
		fmt.Sprintf("Ваша конфигурация %s истечет в %s UTC +03:00. Пожалуйста, продлите её.", cfg.Type, validTo.Add(mskOffset).Format(layout)),
	)
}

type pending struct {
	ID          uuid.UUID
	Title       datatypes.JSONType[models.LocaleText]
	Content     datatypes.JSONType[models.LocaleText]
	SocialName  models.SocialName
	SocialLogin string
	LangCode    string
}

type failure struct {
	id  uuid.UUID
	err error
}

// fetch returns the oldest undelivered notifications still inside the
// retention window, one row per linked social identity.
func (n *Notifier) fetch(ctx context.Context, now time.Time) ([]pending, error) {
	limit := n.cfg.BatchSize
	if limit <= 0 {
		limit = 100
	}
	var out []pending
	err := n.DB.WithContext(ctx).
		Table("notifications").
		Select(`notifications.id, notifications.title, notifications.content,
			socials.name AS social_name, socials.login AS social_login,
			COALESCE(profiles.lang_code, '') AS lang_code`).
		Joins("JOIN users ON users.id = notifications.user_id").
		Joins("JOIN socials ON socials.user_id = users.id").
		Joins("LEFT JOIN profiles ON profiles.user_id = users.id").
		Where("notifications.created_at >= ?", now.Add(-n.cfg.Retention)).
		Where("(notifications.sent_at IS NULL OR notifications.sent_channel IS NULL)").
		Order("notifications.created_at").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	return out, nil
}

func (n *Notifier) deliver(ctx context.Context, p pending) error {
	sender, ok := n.Senders[p.SocialName]
	if !ok {
		return apperr.NotImplemented("delivery via %q is not supported", p.SocialName)
	}

	chatID, err := strconv.ParseInt(p.SocialLogin, 10, 64)
	if err != nil {
		return apperr.Validation("invalid %s chat id %q", p.SocialName, p.SocialLogin)
	}

	lang := p.LangCode
	msg := Message{
		ChatID: chatID,
		Text: fmt.Sprintf("<b>%s</b>\n\n%s",
			html.EscapeString(localize(p.Title.Data(), lang, n.cfg.DefaultLang)),
			html.EscapeString(localize(p.Content.Data(), lang, n.cfg.DefaultLang)),
		),
	}
	if n.webAppURL != "" {
		msg.ButtonURL = n.webAppURL
		msg.ButtonText = "Open web application"
		if strings.HasPrefix(lang, models.LangRU) {
			msg.ButtonText = "Открыть веб-приложение"
		}
	}
	return sender.Send(ctx, msg)
}

// localize picks lang, then fallback, then the first available text.
func localize(text models.LocaleText, lang, fallback string) string {
	if s, ok := text[lang]; ok {
		return s
	}
	if s, ok := text[fallback]; ok {
		return s
	}
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return text[keys[0]]
}

func (n *Notifier) markSent(ctx context.Context, now time.Time, sent map[models.SocialName][]uuid.UUID) error {
	for channel, ids := range sent {
		err := n.DB.WithContext(ctx).
			Model(&models.Notification{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"sent_at": now, "sent_channel": channel}).Error
		if err != nil {
			return fmt.Errorf("failed to mark %s notifications sent: %w", channel, err)
		}
		logging.Infof("Sent %d notifications via %s", len(ids), channel)
	}
	return nil
}

// escalate reports a failed delivery to the superuser chat. The row stays
// undelivered and is picked up again next cycle.
func (n *Notifier) escalate(ctx context.Context, f failure) {
	logging.Errorf("Notification %s failed: %v", f.id, f.err)

	sender, ok := n.Senders[models.SocialTelegram]
	if !ok || n.superuserChat == 0 {
		return
	}
	err := sender.Send(ctx, Message{
		ChatID: n.superuserChat,
		Text: fmt.Sprintf("<b>Notification <code>%s</code> failed</b>\n\n<code>%s</code>",
			f.id, html.EscapeString(f.err.Error())),
	})
	if err != nil {
		logging.Errorf("Failed to report notification %s to superuser: %v", f.id, err)
	}
}

// lock takes the cycle lock under a per-run token.
func (n *Notifier) lock(ctx context.Context) (string, bool, error) {
	if n.Redis == nil {
		return "", true, nil
	}
	token := uuid.NewString()
	ok, err := n.Redis.SetNX(ctx, lockKey, token, n.cfg.Interval*6).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("failed to take notifier lock: %w", err)
	}
	return token, ok, nil
}

// unlock releases the lock unless it expired and another replica took it.
func (n *Notifier) unlock(ctx context.Context, token string) {
	if n.Redis == nil {
		return
	}
	if err := releaseLock.Run(context.WithoutCancel(ctx), n.Redis, []string{lockKey}, token).Err(); err != nil {
		logging.Errorf("Failed to release notifier lock: %v", err)
	}
}
