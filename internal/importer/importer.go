// Package importer reconciles legacy winner records, exported from the old
// flat-file deployment, against user accounts. It is an offline batch job
// that writes through the same tables as the draw engine but never runs in
// its request path.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-advent/internal/logger"
	"ms-advent/internal/models"
	"ms-advent/internal/rewards"
	"ms-advent/internal/users"
)

// placeholderDomain marks accounts invented for winners nobody could match.
const placeholderDomain = "example.invalid"

// LegacyWinner is one parsed line of the winners flat file.
type LegacyWinner struct {
	LegacyID int // 0 when the line carries no id prefix
	Name     string
	Day      int
	Prize    string
}

// MappingEntry maps a legacy winner id to a real account, maintained by
// hand in a JSON file when automatic matching fails.
type MappingEntry struct {
	WinnerID    int    `json:"winner_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type Importer struct {
	DB     *bun.DB
	Users  *users.Store
	Season int // season the legacy records belong to
	Logger *logger.Logger
}

// Line formats:
//
//	99: Erika Beispiel - Tag 1 - Freigetränk
//	Erika Beispiel - Tag 1 - OV L11 - 2023
var idPrefix = regexp.MustCompile(`^(\d+):\s*`)

func parseWinnerLine(line string) (*LegacyWinner, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	winner := &LegacyWinner{}
	if m := idPrefix.FindStringSubmatch(line); m != nil {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad winner id in %q", line)
		}
		winner.LegacyID = id
		line = line[len(m[0]):]
	}

	parts := strings.Split(line, " - ")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unparseable winner line %q", line)
	}
	winner.Name = strings.TrimSpace(parts[0])

	dayPart := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(dayPart, "Tag ") {
		return nil, fmt.Errorf("missing day in winner line %q", line)
	}
	day, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(dayPart, "Tag ")))
	if err != nil {
		return nil, fmt.Errorf("bad day in winner line %q", line)
	}
	winner.Day = day

	if len(parts) > 2 {
		winner.Prize = strings.TrimSpace(strings.Join(parts[2:], " - "))
	}
	if winner.Prize == "" {
		winner.Prize = "Freigetränk"
	}
	return winner, nil
}

// Import reads the winners file and records one reward per line, matching
// winners to accounts by email, then display name, and inventing a
// placeholder account when neither matches. Already-imported rewards
// (same season, user, day) are skipped. Returns the number of rewards
// written.
func (i *Importer) Import(ctx context.Context, winnersPath string) (int, error) {
	file, err := os.Open(winnersPath)
	if err != nil {
		return 0, fmt.Errorf("open winners file: %w", err)
	}
	defer file.Close()

	imported := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		winner, err := parseWinnerLine(scanner.Text())
		if err != nil {
			if i.Logger != nil {
				i.Logger.Warn("IMPORT", err.Error())
			}
			continue
		}
		if winner == nil {
			continue
		}

		user, err := i.resolveUser(ctx, winner)
		if err != nil {
			return imported, err
		}

		created, err := i.recordReward(ctx, user.ID, winner)
		if err != nil {
			return imported, err
		}
		if created {
			imported++
		}
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("read winners file: %w", err)
	}

	if i.Logger != nil {
		i.Logger.LogImport("WINNERS", fmt.Sprintf("imported %d rewards from %s", imported, winnersPath))
	}
	return imported, nil
}

func (i *Importer) resolveUser(ctx context.Context, winner *LegacyWinner) (*models.User, error) {
	if strings.Contains(winner.Name, "@") {
		user, err := i.Users.FindByEmail(ctx, winner.Name)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	user, err := i.Users.FindByDisplayName(ctx, winner.Name)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	return i.createPlaceholder(ctx, winner)
}

func (i *Importer) createPlaceholder(ctx context.Context, winner *LegacyWinner) (*models.User, error) {
	email := placeholderEmail(winner)

	existing, err := i.Users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	user := &models.User{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: winner.Name,
		Placeholder: true,
		CreatedAt:   time.Now(),
	}
	if err := i.Users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create placeholder for %q: %w", winner.Name, err)
	}
	if i.Logger != nil {
		i.Logger.LogImport("PLACEHOLDER", "created "+email)
	}
	return user, nil
}

func placeholderEmail(winner *LegacyWinner) string {
	if winner.LegacyID > 0 {
		return fmt.Sprintf("user-%d@%s", winner.LegacyID, placeholderDomain)
	}
	slug := strings.ToLower(strings.Join(strings.Fields(winner.Name), "-"))
	return fmt.Sprintf("winner-%s@%s", slug, placeholderDomain)
}

func (i *Importer) recordReward(ctx context.Context, userID string, winner *LegacyWinner) (bool, error) {
	token, err := rewards.NewRedemptionToken()
	if err != nil {
		return false, err
	}
	reward := &models.Reward{
		RewardID:        uuid.NewString(),
		Season:          i.Season,
		UserID:          userID,
		Day:             winner.Day,
		PrizeName:       winner.Prize,
		RedemptionToken: token,
		IssuedAt:        time.Now(),
	}
	res, err := i.DB.NewInsert().
		Model(reward).
		On("CONFLICT (season, user_id, day) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("insert reward for day %d: %w", winner.Day, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MigratePlaceholders moves rewards off placeholder accounts onto the real
// accounts named in the mapping file and deletes the emptied placeholders.
// A reward whose target already holds one for the same day is dropped
// rather than duplicated. Returns the number of rewards migrated and the
// number of placeholder accounts removed.
func (i *Importer) MigratePlaceholders(ctx context.Context, mappingPath string) (int, int, error) {
	mapping, err := loadMapping(mappingPath)
	if err != nil {
		return 0, 0, err
	}

	placeholders, err := i.Users.ListPlaceholders(ctx)
	if err != nil {
		return 0, 0, err
	}

	migrated, removed := 0, 0
	for _, placeholder := range placeholders {
		entry := matchMapping(mapping, placeholder)
		if entry == nil {
			continue
		}

		target, err := i.resolveMappingTarget(ctx, entry)
		if err != nil {
			return migrated, removed, err
		}
		if target == nil || target.ID == placeholder.ID {
			continue
		}

		n, err := i.moveRewards(ctx, placeholder.ID, target.ID)
		if err != nil {
			return migrated, removed, err
		}
		migrated += n

		if err := i.Users.Delete(ctx, placeholder.ID); err != nil {
			return migrated, removed, err
		}
		removed++
		if i.Logger != nil {
			i.Logger.LogImport("MIGRATE", fmt.Sprintf("%s -> %s (%d rewards)", placeholder.Email, target.Email, n))
		}
	}
	return migrated, removed, nil
}

func loadMapping(path string) ([]MappingEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var mapping []MappingEntry
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	return mapping, nil
}

func matchMapping(mapping []MappingEntry, placeholder models.User) *MappingEntry {
	for idx := range mapping {
		entry := &mapping[idx]
		if entry.WinnerID > 0 && placeholder.Email == fmt.Sprintf("user-%d@%s", entry.WinnerID, placeholderDomain) {
			return entry
		}
		if entry.DisplayName != "" && entry.DisplayName == placeholder.DisplayName {
			return entry
		}
	}
	return nil
}

func (i *Importer) resolveMappingTarget(ctx context.Context, entry *MappingEntry) (*models.User, error) {
	if entry.Email != "" {
		user, err := i.Users.FindByEmail(ctx, entry.Email)
		if err != nil || user != nil {
			return user, err
		}
	}
	if entry.DisplayName != "" {
		// The placeholder itself may share the display name; FindByDisplayName
		// prefers the non-placeholder account when both exist.
		user, err := i.findRealByDisplayName(ctx, entry.DisplayName)
		if err != nil || user != nil {
			return user, err
		}
	}
	return nil, nil
}

func (i *Importer) findRealByDisplayName(ctx context.Context, name string) (*models.User, error) {
	var list []models.User
	err := i.DB.NewSelect().
		Model(&list).
		Where("display_name = ?", name).
		Order("created_at").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for idx := range list {
		if !list[idx].Placeholder {
			return &list[idx], nil
		}
	}
	return nil, nil
}

func (i *Importer) moveRewards(ctx context.Context, fromID, toID string) (int, error) {
	var list []models.Reward
	err := i.DB.NewSelect().
		Model(&list).
		Where("user_id = ?", fromID).
		Scan(ctx)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, reward := range list {
		exists, err := i.DB.NewSelect().
			Model((*models.Reward)(nil)).
			Where("season = ?", reward.Season).
			Where("user_id = ?", toID).
			Where("day = ?", reward.Day).
			Exists(ctx)
		if err != nil {
			return moved, err
		}
		if exists {
			// The real account already holds this day's reward; the
			// placeholder copy is the duplicate.
			_, err = i.DB.NewDelete().
				Model((*models.Reward)(nil)).
				Where("reward_id = ?", reward.RewardID).
				Exec(ctx)
			if err != nil {
				return moved, err
			}
			continue
		}

		_, err = i.DB.NewUpdate().
			Model((*models.Reward)(nil)).
			Set("user_id = ?", toID).
			Where("reward_id = ?", reward.RewardID).
			Exec(ctx)
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
