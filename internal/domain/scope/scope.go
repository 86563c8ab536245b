// Пакет scope — множества квалифицированных скоупов разрешений.
// Квалифицированный скоуп имеет вид "<resource>.<SCOPE>", например
// "folio.READ" или "project-proj1.WRITE".
package scope

import "sort"

// Set — множество квалифицированных скоупов.
type Set map[string]struct{}

// NewSet создаёт множество из списка квалифицированных скоупов.
func NewSet(qualified ...string) Set {
	s := make(Set, len(qualified))
	for _, q := range qualified {
		s[q] = struct{}{}
	}
	return s
}

// Add добавляет квалифицированный скоуп.
func (s Set) Add(qualified string) {
	s[qualified] = struct{}{}
}

// AddResource добавляет все скоупы ресурса в виде "<rsname>.<scope>".
func (s Set) AddResource(rsname string, scopes ...string) {
	for _, sc := range scopes {
		s[rsname+"."+sc] = struct{}{}
	}
}

// Has проверяет наличие квалифицированного скоупа.
func (s Set) Has(qualified string) bool {
	_, ok := s[qualified]
	return ok
}

// List возвращает отсортированный список скоупов множества.
func (s Set) List() []string {
	out := make([]string, 0, len(s))
	for q := range s {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Normalize дополняет неквалифицированный скоуп ресурсом по умолчанию:
// "READ" → "<defaultResource>.READ". Уже квалифицированный скоуп
// (содержит точку) возвращается как есть.
func Normalize(sc, defaultResource string) string {
	for i := 0; i < len(sc); i++ {
		if sc[i] == '.' {
			return sc
		}
	}
	return defaultResource + "." + sc
}

// Missing возвращает отсортированный список требуемых скоупов,
// отсутствующих в множестве. Требуемые скоупы предварительно
// нормализуются ресурсом по умолчанию. Пустой результат означает,
// что все требования выполнены (AND-семантика).
func (s Set) Missing(required []string, defaultResource string) []string {
	var missing []string
	for _, req := range required {
		q := Normalize(req, defaultResource)
		if !s.Has(q) {
			missing = append(missing, q)
		}
	}
	sort.Strings(missing)
	return missing
}
