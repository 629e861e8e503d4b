package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entrhq/fleet/pkg/browser"
	"github.com/entrhq/fleet/pkg/queue"
	"github.com/entrhq/fleet/pkg/types"
)

// Selectors of the chat web client.
const (
	SelectorQRCanvas    = `canvas[aria-label="Scan this QR code to link a device!"]`
	SelectorChatList    = `#pane-side`
	SelectorGroupInfo   = `div[title="Profile details"][role="button"]`
	SelectorAddMember   = `//div[text()='Add member']`
	SelectorSearchInput = `div[aria-label="Search name or number"][contenteditable="true"]`
	SelectorCheckbox    = `div[role="checkbox"][aria-checked="false"]`
	SelectorConfirm     = `span[aria-label="Confirm"]`
	SelectorModalAdd    = `//span[text()='Add member']`
	SelectorCancel      = `//span[text()='Cancel']`
)

// bannerScript returns the text of the "Couldn't add" banner, or null.
const bannerScript = `() => {
	const result = document.evaluate("//div[contains(text(), \"Couldn't add\")]", document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null);
	const el = result.singleNodeValue;
	return el ? el.textContent : null;
}`

// GroupSelector matches the chat list entry of a group by title.
func GroupSelector(group string) string {
	return fmt.Sprintf(`span[title=%s]`, cssString(group))
}

func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(s) + `"`
}

// Step is one named stage of the add-member flow. Do returns a non-nil
// outcome to end the row there.
type Step struct {
	Name string

	// Settle waits the settle interval after the step continues
	Settle bool

	Do func(ctx context.Context, r *runner, row queue.Row) (*Outcome, error)
}

// Steps returns the add-member flow in execution order.
func Steps() []Step {
	return []Step{
		{Name: "check session", Do: checkSession},
		{Name: "locate group", Settle: true, Do: locateGroup},
		{Name: "open group info", Settle: true, Do: openGroupInfo},
		{Name: "open add member", Settle: true, Do: openAddMember},
		{Name: "enter contact", Settle: true, Do: enterContact},
		{Name: "select contact", Settle: true, Do: selectContact},
		{Name: "confirm", Do: confirm},
		{Name: "confirm in modal", Settle: true, Do: confirmInModal},
		{Name: "observe failure banner", Do: observeBanner},
	}
}

// checkSession looks for the link-a-device QR code. Seeing it on any attempt
// means the device was logged out.
func checkSession(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.present(SelectorQRCanvas))
	if err != nil {
		return nil, err
	}
	if result == Found {
		r.log.Errorf("WA Suspended / Logged Out. Worker OFF.")
		r.capture(ctx)
		o := loggedOut("check session")
		return &o, nil
	}
	return nil, nil
}

func locateGroup(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.clickFirst(GroupSelector(row.Group)))
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Group %s not found", row.Group)
		r.capture(ctx)
		o := completed("locate group", types.StatusGroupNotFound)
		return &o, nil
	}
	r.log.Infof("Clicked group %q", row.Group)
	return nil, nil
}

func openGroupInfo(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.clickFirst(SelectorGroupInfo))
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Group info button not found")
		r.capture(ctx)
		o := stepFailed("open group info", types.StatusError, fmt.Sprintf("Group %s info button not found", row.Group))
		return &o, nil
	}
	r.log.Infof("Opened group info")
	return nil, nil
}

func openAddMember(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.clickFirst(SelectorAddMember))
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Add member button not found")
		r.capture(ctx)
		o := completed("open add member", types.StatusGroupBanned)
		return &o, nil
	}
	r.log.Infof("Opened add member")
	return nil, nil
}

func enterContact(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, func(ctx context.Context) (bool, error) {
		el, err := r.session.Query(ctx, SelectorSearchInput)
		if err != nil {
			return false, notFoundIsFalse(err)
		}
		if err := el.DoubleClick(ctx); err != nil {
			return false, err
		}
		if err := el.Type(ctx, row.Member, r.timing.KeyDelay); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Input Search Name/Number not found")
		r.capture(ctx)
		o := stepFailed("enter contact", types.StatusInputNotFound, string(types.StatusInputNotFound))
		return &o, nil
	}
	r.log.Infof("Typed contact %s", row.Member)
	return nil, nil
}

func selectContact(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, func(ctx context.Context) (bool, error) {
		boxes, err := r.session.QueryAll(ctx, SelectorCheckbox)
		if err != nil {
			return false, err
		}
		if len(boxes) == 0 {
			return false, nil
		}
		return true, boxes[0].Click(ctx)
	})
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("No contact found for %s", row.Member)
		r.capture(ctx)
		o := completed("select contact", types.StatusContactNotFound)
		return &o, nil
	}
	r.log.Infof("Selected contact checkbox")
	return nil, nil
}

func confirm(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.clickFirst(SelectorConfirm))
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Confirm button not found")
		r.capture(ctx)
		o := stepFailed("confirm", types.StatusConfirmNotFound, string(types.StatusConfirmNotFound))
		return &o, nil
	}
	r.log.Infof("Clicked confirm")
	return nil, nil
}

func confirmInModal(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	result, err := r.poll(ctx, r.clickFirst(SelectorModalAdd))
	if err != nil {
		return nil, err
	}
	if result == Exhausted {
		r.log.Errorf("Add member button in modal not found")
		r.capture(ctx)
		o := stepFailed("confirm in modal", types.StatusAddMemberNotFound, string(types.StatusAddMemberNotFound))
		return &o, nil
	}
	r.log.Infof("Clicked add member in modal")
	return nil, nil
}

// observeBanner decides between Success and Private. The add went through
// as soon as one attempt sees no "Couldn't add" banner.
func observeBanner(ctx context.Context, r *runner, row queue.Row) (*Outcome, error) {
	var banner string
	result, err := r.poll(ctx, func(ctx context.Context) (bool, error) {
		v, err := r.session.Evaluate(ctx, bannerScript)
		if err != nil {
			return false, err
		}
		text, _ := v.(string)
		if strings.TrimSpace(text) == "" {
			return true, nil
		}
		banner = text
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if result == Found {
		r.log.Infof("Added %s to %s", row.Member, row.Group)
		o := completed("observe failure banner", types.StatusSuccess)
		return &o, nil
	}

	r.log.Warnf("Cannot add %s: %s", row.Member, banner)
	r.capture(ctx)
	if el, err := r.session.Query(ctx, SelectorCancel); err == nil {
		if err := el.Click(ctx); err == nil {
			r.log.Infof("Dialog closed with Cancel")
		}
	}
	o := completed("observe failure banner", types.StatusPrivate)
	return &o, nil
}

func notFoundIsFalse(err error) error {
	if errors.Is(err, browser.ErrNotFound) {
		return nil
	}
	return err
}
