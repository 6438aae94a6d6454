package quota

import (
	"context"
	"fmt"

	"github.com/exam-tutor-go/internal/services/storage"
)

// ProcCanChatOnPaper checks that a paper falls inside the subscriber's package
const ProcCanChatOnPaper = "can_user_chat_on_paper"

// RegisterProcedures installs the quota procedures on a storage manager
func RegisterProcedures(m *storage.Manager) {
	m.RegisterProcedure(ProcCanChatOnPaper, canChatOnPaper)
}

// canChatOnPaper expects args user_id and paper_id and returns a bool.
// A paper is in scope when its grade matches the package grade and its subject is one of the package subjects.
func canChatOnPaper(ctx context.Context, store storage.Store, args storage.Record) (interface{}, error) {
	userID, paperID := args.String("user_id"), args.String("paper_id")
	if userID == "" || paperID == "" {
		return nil, fmt.Errorf("user_id and paper_id are required")
	}

	sub, err := store.QueryOne(ctx, storage.TableSubscriptions, storage.Filters{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	paper, err := store.QueryOne(ctx, storage.TablePapers, storage.Filters{"id": paperID})
	if err != nil {
		return nil, fmt.Errorf("failed to load paper: %w", err)
	}
	if sub == nil || paper == nil {
		return false, nil
	}

	grade := sub.String("grade_id")
	if grade == "" || grade != paper.String("grade_id") {
		return false, nil
	}
	subject := paper.String("subject_id")
	for _, id := range sub.Strings("subject_ids") {
		if id == subject {
			return true, nil
		}
	}
	return false, nil
}
