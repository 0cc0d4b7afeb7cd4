package constant

const (
	Perm0755 = 0755 // 用户具有 RWX 权限，组用户和其它用户具有读和执行权限
	Perm0644 = 0644 // 用户具有 RW 权限，组用户和其它用户具有只读权限
	Perm0600 = 0600 // 只有用户具有 RW 权限，swap 文件必须是这个权限
)
