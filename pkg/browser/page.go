package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Page drives one tab. It implements automation.Page.
type Page struct {
	page *rod.Page
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

// Redirect assigns window.location without waiting for the new document.
func (p *Page) Redirect(ctx context.Context, url string) error {
	_, err := p.page.Context(ctx).Eval(`(u) => { window.location.assign(u) }`, url)
	if err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

const fieldsReadyJS = `(sels) => sels.every((s) => {
	const el = document.querySelector(s);
	if (!el || el.disabled || el.readOnly) return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0 && getComputedStyle(el).visibility !== 'hidden';
})`

// FieldsReady reports whether every selector is visible and enabled.
func (p *Page) FieldsReady(ctx context.Context, selectors []string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(fieldsReadyJS, selectors)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Fill replaces the element's text with value.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

// Click left-clicks the element.
func (p *Page) Click(ctx context.Context, selector string) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *Page) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *Page) HasCookie(ctx context.Context, name string) (bool, error) {
	cookies, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return false, err
	}
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return true, nil
		}
	}
	return false, nil
}

func (p *Page) HasElement(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	return has, err
}

// EvalBool evaluates a JS expression and coerces the result to a boolean.
func (p *Page) EvalBool(ctx context.Context, expr string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(`() => Boolean(` + expr + `)`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}
