package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
)

// lockJS swallows keyboard and pointer input and covers the page with a
// transparent shield. It is installed for the current and future documents.
const lockJS = `(() => {
	if (window.__kvmLocked) return;
	window.__kvmLocked = true;
	const stop = (e) => { e.stopImmediatePropagation(); e.preventDefault(); };
	for (const t of ['keydown', 'keyup', 'keypress', 'mousedown', 'mouseup', 'click',
		'dblclick', 'contextmenu', 'wheel', 'pointerdown', 'pointerup', 'touchstart']) {
		window.addEventListener(t, stop, true);
	}
	const shield = () => {
		if (!document.body || document.getElementById('__kvm_shield')) return;
		const d = document.createElement('div');
		d.id = '__kvm_shield';
		d.style.cssText = 'position:fixed;inset:0;z-index:2147483647;cursor:not-allowed;background:transparent';
		document.body.appendChild(d);
	};
	shield();
	document.addEventListener('DOMContentLoaded', shield);
})()`

func (p *Page) lockInput(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if _, err := pg.EvalOnNewDocument(lockJS); err != nil {
		return fmt.Errorf("install input lock: %w", err)
	}
	if _, err := pg.Eval(`() => ` + lockJS); err != nil {
		return fmt.Errorf("apply input lock: %w", err)
	}
	return nil
}

// DataURL encodes an HTML document as a data: URL.
func DataURL(html []byte) string {
	return "data:text/html;charset=utf-8;base64," + base64.StdEncoding.EncodeToString(html)
}

// Render shows a static HTML page full-screen on the display. Closing the
// result closes the window.
func (l *Launcher) Render(ctx context.Context, display string, html []byte) (io.Closer, error) {
	s, err := l.launch(ctx, automation.LaunchOptions{Display: display})
	if err != nil {
		return nil, err
	}
	if err := s.page.Navigate(ctx, DataURL(html)); err != nil {
		_ = s.Close()
		return nil, err
	}
	_ = s.LockInput(ctx)
	return s, nil
}
